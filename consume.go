package resilientmq

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConsumeTimeout = 30 * time.Second

// AckActions is handed to a consume handler when ManualAck is true. It
// exposes Ack/Nack/Reject and guarantees at-most-one settlement per
// message: the first call wins, subsequent calls are silently ignored
// (after logging a warning), per spec §4.5/§8.
type AckActions struct {
	once sync.Once
	ch   Channel
	tag  uint64
}

func newAckActions(ch Channel, tag uint64) *AckActions {
	return &AckActions{ch: ch, tag: tag}
}

// Ack acknowledges the message. First settlement wins.
func (a *AckActions) Ack() {
	a.settle("ack", func() error { return a.ch.Ack(a.tag, false) })
}

// Nack negatively acknowledges the message; requeue selects whether
// the broker requeues it. First settlement wins.
func (a *AckActions) Nack(requeue bool) {
	a.settle("nack", func() error { return a.ch.Nack(a.tag, false, requeue) })
}

// Reject rejects the message; requeue selects whether the broker
// requeues it. First settlement wins.
func (a *AckActions) Reject(requeue bool) {
	a.settle("reject", func() error { return a.ch.Reject(a.tag, requeue) })
}

func (a *AckActions) settle(kind string, fn func() error) {
	settled := true
	a.once.Do(func() {
		settled = false
		if err := fn(); err != nil {
			slog.Warn("failed to settle message", "kind", kind, "error", err)
		}
	})
	if settled {
		slog.Warn("message already settled; ignoring additional settlement call", "kind", kind, "tag", a.tag)
	}
}

// ConsumeHandler processes one delivery. actions is nil when
// ConsumeOptions.ManualAck is false.
type ConsumeHandler func(msg amqp.Delivery, actions *AckActions) error

// Consume registers a consumer on the default channel and returns its
// tag, per spec §4.5.
func (c *Client) Consume(queue string, handler ConsumeHandler, opts ConsumeOptions) (string, error) {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return "", err
	}

	tag := newConsumerTag("consumer")

	deliveries, err := ch.Consume(queue, tag, opts.NoAck, opts.Exclusive, false, false, amqp.Table(opts.Args))
	if err != nil {
		return "", c.handleError(CodeConsume, err, map[string]string{"queue": queue})
	}

	c.consumersMu.Lock()
	c.consumers[tag] = &consumerState{queue: queue, opts: opts}
	c.consumersMu.Unlock()

	go c.deliveryLoop(ch, tag, deliveries, handler, opts)

	return tag, nil
}

func (c *Client) deliveryLoop(ch Channel, tag string, deliveries <-chan amqp.Delivery, handler ConsumeHandler, opts ConsumeOptions) {
	timeout := defaultTimeout(opts.Timeout, defaultConsumeTimeout)

	for msg := range deliveries {
		c.consumersMu.Lock()
		state, ok := c.consumers[tag]
		cancelled := ok && state.cancelled
		c.consumersMu.Unlock()
		if cancelled {
			return
		}

		c.handleDelivery(ch, msg, handler, opts, timeout)
	}
}

// handleDelivery races the handler against the per-message timeout,
// per spec §4.5/§5: on timeout the outcome is treated as a handler
// error; the handler may still be running in the background, since
// there is no true cancellation (spec §9).
func (c *Client) handleDelivery(ch Channel, msg amqp.Delivery, handler ConsumeHandler, opts ConsumeOptions, timeout time.Duration) {
	start := time.Now()

	var actions *AckActions
	if opts.ManualAck {
		actions = newAckActions(ch, msg.DeliveryTag)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NewError(CodeConsume, "consume handler panicked")
			}
		}()
		done <- handler(msg, actions)
	}()

	var handlerErr error
	select {
	case handlerErr = <-done:
	case <-time.After(timeout):
		handlerErr = NewError(CodeConsume, "handler timed out")
	}

	if opts.ManualAck {
		// The client never auto-settles in manual mode, regardless of
		// outcome, per spec §4.5.
		if handlerErr == nil {
			c.metrics.incReceived()
			c.metrics.recordProcessing(time.Since(start))
		}
		return
	}

	if handlerErr != nil {
		if !opts.NoAck {
			_ = ch.Nack(msg.DeliveryTag, false, true)
		}
		c.handleError(CodeConsume, handlerErr, map[string]string{"exchange": msg.Exchange})
		return
	}

	if !opts.NoAck {
		_ = ch.Ack(msg.DeliveryTag, false)
	}
	c.metrics.incReceived()
	c.metrics.recordProcessing(time.Since(start))
}

// Cancel forwards to the driver and stops further deliveries for tag
// once the broker confirms, per spec §4.5.
func (c *Client) Cancel(consumerTag string) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if cancelErr := ch.Cancel(consumerTag, false); cancelErr != nil {
		return c.handleError(CodeConsume, cancelErr, map[string]string{"consumerTag": consumerTag})
	}

	c.consumersMu.Lock()
	if state, ok := c.consumers[consumerTag]; ok {
		state.cancelled = true
	}
	c.consumersMu.Unlock()

	return nil
}

// Prefetch forwards to the driver on the default channel, per spec §4.5.
func (c *Client) Prefetch(count int, global bool) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if err := ch.Qos(count, 0, global); err != nil {
		return c.handleError(CodeChannel, err, map[string]string{"prefetchCount": strconv.Itoa(count)})
	}
	return nil
}

// Get performs a synchronous pull; found is false when the queue is
// empty, per spec §4.5.
func (c *Client) Get(queue string, opts GetOptions) (msg amqp.Delivery, found bool, err error) {
	ch, cerr := c.requireDefaultChannel()
	if cerr != nil {
		return amqp.Delivery{}, false, cerr
	}
	d, ok, getErr := ch.Get(queue, opts.NoAck)
	if getErr != nil {
		return amqp.Delivery{}, false, c.handleError(CodeConsume, getErr, map[string]string{"queue": queue})
	}
	if ok {
		c.metrics.incReceived()
	}
	return d, ok, nil
}

// Ack forwards to the default channel, per spec §4.5.
func (c *Client) Ack(msg amqp.Delivery, allUpTo bool) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if ackErr := ch.Ack(msg.DeliveryTag, allUpTo); ackErr != nil {
		return c.handleError(CodeConsume, ackErr, nil)
	}
	return nil
}

// Nack forwards to the default channel, per spec §4.5.
func (c *Client) Nack(msg amqp.Delivery, allUpTo bool, requeue bool) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if nackErr := ch.Nack(msg.DeliveryTag, allUpTo, requeue); nackErr != nil {
		return c.handleError(CodeConsume, nackErr, nil)
	}
	return nil
}

// Reject forwards to the default channel, per spec §4.5.
func (c *Client) Reject(msg amqp.Delivery, requeue bool) error {
	ch, err := c.requireDefaultChannel()
	if err != nil {
		return err
	}
	if rejErr := ch.Reject(msg.DeliveryTag, requeue); rejErr != nil {
		return c.handleError(CodeConsume, rejErr, nil)
	}
	return nil
}
