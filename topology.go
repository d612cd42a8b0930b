package resilientmq

import amqp "github.com/rabbitmq/amqp091-go"

// AssertQueue delegates to the driver on the default channel, per
// spec §4.6. Repeated calls with the same name/opts are idempotent.
func (c *Client) AssertQueue(name string, opts QueueOptions) (QueueInfo, error) {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return QueueInfo{}, err
	}
	info, declErr := ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, opts.NoWait, amqp.Table(opts.toArgs()))
	if declErr != nil {
		return QueueInfo{}, c.handleError(CodeChannel, declErr, map[string]string{"queue": name})
	}
	return info, nil
}

// AssertExchange delegates to the driver on the default channel, per
// spec §4.6.
func (c *Client) AssertExchange(name, kind string, opts ExchangeOptions) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if declErr := ch.ExchangeDeclare(name, kind, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait, amqp.Table(opts.toArgs())); declErr != nil {
		return c.handleError(CodeChannel, declErr, map[string]string{"exchange": name})
	}
	return nil
}

// BindQueue delegates to the driver on the default channel.
func (c *Client) BindQueue(queue, routingKey, exchange string, args map[string]interface{}) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if bindErr := ch.QueueBind(queue, routingKey, exchange, false, amqp.Table(args)); bindErr != nil {
		return c.handleError(CodeChannel, bindErr, map[string]string{"queue": queue, "exchange": exchange, "routingKey": routingKey})
	}
	return nil
}

// UnbindQueue delegates to the driver on the default channel.
func (c *Client) UnbindQueue(queue, routingKey, exchange string, args map[string]interface{}) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if err := ch.QueueUnbind(queue, routingKey, exchange, amqp.Table(args)); err != nil {
		return c.handleError(CodeChannel, err, map[string]string{"queue": queue, "exchange": exchange})
	}
	return nil
}

// DeleteQueue delegates to the driver on the default channel.
func (c *Client) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return 0, err
	}
	n, delErr := ch.QueueDelete(name, ifUnused, ifEmpty, false)
	if delErr != nil {
		return 0, c.handleError(CodeChannel, delErr, map[string]string{"queue": name})
	}
	return n, nil
}

// PurgeQueue delegates to the driver on the default channel.
func (c *Client) PurgeQueue(name string) (int, error) {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return 0, err
	}
	n, purgeErr := ch.QueuePurge(name, false)
	if purgeErr != nil {
		return 0, c.handleError(CodeChannel, purgeErr, map[string]string{"queue": name})
	}
	return n, nil
}

// DeleteExchange delegates to the driver on the default channel.
func (c *Client) DeleteExchange(name string, ifUnused bool) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if delErr := ch.ExchangeDelete(name, ifUnused, false); delErr != nil {
		return c.handleError(CodeChannel, delErr, map[string]string{"exchange": name})
	}
	return nil
}
