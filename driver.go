package resilientmq

import (
	"crypto/tls"
	"net"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the seam over a live AMQP transport session. It
// exists purely to make the supervisor testable without a live
// broker, per spec §2 item 1.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(chan amqp.Blocking) chan amqp.Blocking
}

// Channel is the seam over a live AMQP channel.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(chan amqp.Return) chan amqp.Return
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyFlow(chan bool) chan bool

	Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) (uint64, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Cancel(consumer string, noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (QueueInfo, error)
	QueueInspect(name string) (QueueInfo, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error

	Close() error
	IsClosed() bool
}

// QueueInfo mirrors the subset of amqp.Queue the core needs.
type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

// Driver is the top-level seam: dial the broker and hand back a
// Connection. Exists so the supervisor never calls amqp091-go's dial
// or channel operations directly, per spec §2 item 1; it still uses
// amqp091-go value types such as amqp.Error and amqp.Blocking.
type Driver interface {
	Dial(url string, heartbeat, connectionTimeout time.Duration, tlsCfg *tls.Config) (Connection, error)
}

// ---- production implementation over amqp091-go ----

type amqp091Driver struct{}

// NewAMQPDriver returns the production Driver backed by
// github.com/rabbitmq/amqp091-go.
func NewAMQPDriver() Driver {
	return amqp091Driver{}
}

func (amqp091Driver) Dial(rawURL string, heartbeat, connectionTimeout time.Duration, tlsCfg *tls.Config) (Connection, error) {
	cfg := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, connectionTimeout)
			if err != nil {
				return nil, err
			}
			// Heartbeating hasn't started yet; don't stall forever on a
			// dead server during the AMQP handshake.
			if err := conn.SetDeadline(time.Now().Add(connectionTimeout)); err != nil {
				return nil, err
			}
			return conn, nil
		},
	}

	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "amqps" {
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		cfg.TLSClientConfig = tlsCfg
	}

	conn, err := amqp.DialConfig(rawURL, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) Close() error { return c.conn.Close() }

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *amqpConnection) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(ch)
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Confirm(noWait bool) error { return c.ch.Confirm(noWait) }

func (c *amqpChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	return c.ch.NotifyPublish(ch)
}

func (c *amqpChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	return c.ch.NotifyReturn(ch)
}

func (c *amqpChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(ch)
}

func (c *amqpChannel) NotifyFlow(ch chan bool) chan bool {
	return c.ch.NotifyFlow(ch)
}

func (c *amqpChannel) Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) (uint64, error) {
	seq := c.ch.GetNextPublishSeqNo()
	err := c.ch.Publish(exchange, routingKey, mandatory, immediate, msg)
	return seq, err
}

func (c *amqpChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (c *amqpChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return c.ch.Get(queue, autoAck)
}

func (c *amqpChannel) Ack(tag uint64, multiple bool) error { return c.ch.Ack(tag, multiple) }

func (c *amqpChannel) Nack(tag uint64, multiple, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *amqpChannel) Reject(tag uint64, requeue bool) error { return c.ch.Reject(tag, requeue) }

func (c *amqpChannel) Cancel(consumer string, noWait bool) error { return c.ch.Cancel(consumer, noWait) }

func (c *amqpChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *amqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (QueueInfo, error) {
	q, err := c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
	if err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{Name: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

func (c *amqpChannel) QueueInspect(name string) (QueueInfo, error) {
	q, err := c.ch.QueueInspect(name)
	if err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{Name: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

func (c *amqpChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.ch.QueueBind(name, key, exchange, noWait, args)
}

func (c *amqpChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return c.ch.QueueUnbind(name, key, exchange, args)
}

func (c *amqpChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return c.ch.QueueDelete(name, ifUnused, ifEmpty, noWait)
}

func (c *amqpChannel) QueuePurge(name string, noWait bool) (int, error) {
	return c.ch.QueuePurge(name, noWait)
}

func (c *amqpChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *amqpChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return c.ch.ExchangeDelete(name, ifUnused, noWait)
}

func (c *amqpChannel) Close() error { return c.ch.Close() }

func (c *amqpChannel) IsClosed() bool { return c.ch.IsClosed() }
