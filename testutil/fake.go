// Package testutil provides an in-memory Driver implementation for
// exercising github.com/resilientmq/core without a live broker. It is
// a thin exported mirror of the core package's internal fake driver,
// kept separate so example and integration specs outside the core
// package can drive the same seam.
package testutil

import (
	"crypto/tls"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	resilientmq "github.com/resilientmq/core"
)

// FakeDriver is an in-memory resilientmq.Driver. Every Dial succeeds
// unless DialErr is set and returns an error for the given URL.
type FakeDriver struct {
	mu      sync.Mutex
	DialErr func(url string) error
	dials   []string
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (d *FakeDriver) Dial(url string, _, _ time.Duration, _ *tls.Config) (resilientmq.Connection, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	d.mu.Unlock()

	if d.DialErr != nil {
		if err := d.DialErr(url); err != nil {
			return nil, err
		}
	}
	return newFakeConnection(), nil
}

type fakeConnection struct {
	mu     sync.Mutex
	closed bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{}
}

func (c *fakeConnection) Channel() (resilientmq.Channel, error) {
	return newFakeChannel(), nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }

func (c *fakeConnection) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking { return ch }

type fakeChannel struct {
	mu          sync.Mutex
	closed      bool
	seq         uint64
	confirmCh   chan amqp.Confirmation
	deliveries  chan amqp.Delivery
	queues      map[string]resilientmq.QueueInfo
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		queues:     map[string]resilientmq.QueueInfo{},
	}
}

func (c *fakeChannel) Confirm(noWait bool) error { return nil }

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	c.confirmCh = ch
	c.mu.Unlock()
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return { return ch }

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }

func (c *fakeChannel) NotifyFlow(ch chan bool) chan bool { return ch }

func (c *fakeChannel) Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) (uint64, error) {
	c.mu.Lock()
	c.seq++
	tag := c.seq
	confirmCh := c.confirmCh
	c.mu.Unlock()

	if confirmCh != nil {
		go func() { confirmCh <- amqp.Confirmation{DeliveryTag: tag, Ack: true} }()
	}
	return tag, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	select {
	case d := <-c.deliveries:
		return d, true, nil
	default:
		return amqp.Delivery{}, false, nil
	}
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error    { return nil }
func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (c *fakeChannel) Reject(tag uint64, requeue bool) error  { return nil }
func (c *fakeChannel) Cancel(consumer string, noWait bool) error { return nil }
func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (resilientmq.QueueInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := resilientmq.QueueInfo{Name: name}
	c.queues[name] = info
	return info, nil
}

func (c *fakeChannel) QueueInspect(name string) (resilientmq.QueueInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[name], nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error { return nil }
func (c *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error            { return nil }

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, name)
	return 0, nil
}

func (c *fakeChannel) QueuePurge(name string, noWait bool) (int, error) { return 0, nil }

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver pushes a message into ch's consumer stream — used by specs
// that need to simulate an inbound delivery.
func Deliver(ch resilientmq.Channel, d amqp.Delivery) {
	if fc, ok := ch.(*fakeChannel); ok {
		fc.deliveries <- d
	}
}
