package resilientmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPublishTimeout = 30 * time.Second

// Publish delegates to the driver's confirm-mode publish on the
// default channel, arming a per-call timeout and resolving on the
// broker's ack/nack, per spec §4.4.
func (c *Client) Publish(exchange, routingKey string, payload []byte, opts PublishOptions) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}

	timeout := defaultTimeout(opts.Timeout, defaultPublishTimeout)

	confirmCh := make(chan amqp.Confirmation, 1)
	ch.NotifyPublish(confirmCh)

	deliveryMode := amqp.Transient
	if opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	seq, pubErr := ch.Publish(exchange, routingKey, opts.Mandatory, opts.Immediate, amqp.Publishing{
		ContentType:  opts.ContentType,
		DeliveryMode: deliveryMode,
		Body:         payload,
		Headers:      headers,
		Timestamp:    time.Now(),
	})
	if pubErr != nil {
		return c.handleError(CodePublish, pubErr, map[string]string{"exchange": exchange, "routingKey": routingKey})
	}

	deadline := time.After(timeout)
	for {
		select {
		case confirmation := <-confirmCh:
			if confirmation.DeliveryTag != seq {
				continue
			}
			if !confirmation.Ack {
				return c.handleError(CodePublish, NewError(CodePublish, "broker nacked the publish"),
					map[string]string{"exchange": exchange, "routingKey": routingKey})
			}
			c.metrics.incSent()
			return nil
		case <-deadline:
			return c.handleError(CodePublishTimeout, NewError(CodePublishTimeout, "timed out waiting for broker confirmation"),
				map[string]string{"exchange": exchange, "routingKey": routingKey, "timeout": timeout.String()})
		}
	}
}

// PublishMessage is one element of a PublishBatch call, per spec §3
// "Message batch request".
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
	Options    PublishOptions
}

// PublishBatch publishes messages sequentially, each awaiting its own
// confirm before the next is sent, per spec §4.4. There is no
// cross-message transactional guarantee: failure of any message
// surfaces immediately and the remaining messages are not sent.
func (c *Client) PublishBatch(messages []PublishMessage) (sent int, err error) {
	if len(messages) == 0 {
		return 0, NewError(CodeConfiguration, "publishBatch requires at least one message")
	}

	for _, m := range messages {
		if pubErr := c.Publish(m.Exchange, m.RoutingKey, m.Payload, m.Options); pubErr != nil {
			return sent, pubErr
		}
		sent++
	}
	return sent, nil
}

// SendToQueue has the same contract as Publish but with the implicit
// default exchange, per spec §4.4.
func (c *Client) SendToQueue(queue string, payload []byte, opts PublishOptions) error {
	return c.Publish("", queue, payload, opts)
}

func (c *Client) requireDefaultChannel() (Channel, error) {
	c.connMu.Lock()
	conn := c.conn
	ch := c.defaultCh
	c.connMu.Unlock()

	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		return nil, NewError(CodeNotConnected, "no open connection or default channel")
	}
	return ch, nil
}
