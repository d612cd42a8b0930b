package resilientmq

import (
	"crypto/tls"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeDriver is an in-memory Driver used by the unit test suite so the
// supervisor, pool, breaker, and orchestration logic are testable
// without a live broker, per spec §2 item 1 / DESIGN.md.
type fakeDriver struct {
	mu sync.Mutex

	// dialErr, if set, controls whether Dial to a given URL fails.
	// Returning an error simulates a closed port / unreachable node.
	dialErr func(url string) error

	dialCount map[string]int
	dials     []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{dialCount: map[string]int{}}
}

func (d *fakeDriver) Dial(url string, _, _ time.Duration, _ *tls.Config) (Connection, error) {
	d.mu.Lock()
	d.dialCount[url]++
	d.dials = append(d.dials, url)
	d.mu.Unlock()

	if d.dialErr != nil {
		if err := d.dialErr(url); err != nil {
			return nil, err
		}
	}
	return newFakeConnection(), nil
}

func (d *fakeDriver) DialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount[url]
}

func (d *fakeDriver) DialSequence() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)
	return out
}

type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	closeCh  chan *amqp.Error
	blockCh  chan amqp.Blocking
	channels []*fakeChannel
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
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

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = ch
	return ch
}

func (c *fakeConnection) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCh = ch
	return ch
}

// SimulateClose delivers a close error to whoever subscribed via
// NotifyClose, as a live broker-initiated close would.
func (c *fakeConnection) SimulateClose(err *amqp.Error) {
	c.mu.Lock()
	ch := c.closeCh
	c.closed = true
	c.mu.Unlock()
	if ch != nil {
		ch <- err
		close(ch)
	}
}

// fakeChannel is an in-memory Channel recording every call the core
// makes, so tests can assert on ack/nack/reject settlement counts,
// published messages, and declared topology.
type fakeChannel struct {
	mu sync.Mutex

	closed      bool
	confirmMode bool

	seq uint64

	published []fakePublish

	acks    []uint64
	nacks   []uint64
	rejects []uint64

	confirmCh chan amqp.Confirmation
	returnCh  chan amqp.Return

	deliveries chan amqp.Delivery

	declaredQueues    map[string]QueueInfo
	declaredExchanges map[string]bool
	bindings          []string

	// autoConfirm, when true, immediately acks every publish on the
	// confirm channel (if one is registered) with the next delivery tag.
	autoConfirm bool
	// forcedOutcome overrides the ack/nack outcome for the next N publishes.
	forcedOutcome []bool
}

type fakePublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Body       []byte
	Headers    amqp.Table
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declaredQueues:    map[string]QueueInfo{},
		declaredExchanges: map[string]bool{},
		deliveries:        make(chan amqp.Delivery, 16),
		autoConfirm:       true,
	}
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmMode = true
	return nil
}

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	c.confirmCh = ch
	c.mu.Unlock()
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	c.returnCh = ch
	c.mu.Unlock()
	return ch
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }

func (c *fakeChannel) NotifyFlow(ch chan bool) chan bool { return ch }

func (c *fakeChannel) Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) (uint64, error) {
	c.mu.Lock()
	c.seq++
	tag := c.seq
	c.published = append(c.published, fakePublish{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Body: msg.Body, Headers: msg.Headers})
	confirmCh := c.confirmCh
	auto := c.autoConfirm
	var outcome *bool
	if len(c.forcedOutcome) > 0 {
		o := c.forcedOutcome[0]
		c.forcedOutcome = c.forcedOutcome[1:]
		outcome = &o
	}
	c.mu.Unlock()

	if confirmCh != nil && (auto || outcome != nil) {
		ack := true
		if outcome != nil {
			ack = *outcome
		}
		go func() {
			confirmCh <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
		}()
	}

	return tag, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

// Deliver pushes a message into the consumer delivery stream, for tests.
func (c *fakeChannel) Deliver(d amqp.Delivery) {
	c.deliveries <- d
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	select {
	case d := <-c.deliveries:
		return d, true, nil
	default:
		return amqp.Delivery{}, false, nil
	}
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacks = append(c.nacks, tag)
	return nil
}

func (c *fakeChannel) Reject(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, tag)
	return nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error { return nil }

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (QueueInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := QueueInfo{Name: name}
	c.declaredQueues[name] = info
	return info, nil
}

func (c *fakeChannel) QueueInspect(name string) (QueueInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declaredQueues[name], nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"/"+key+"/"+name)
	return nil
}

func (c *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error { return nil }

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.declaredQueues, name)
	return 0, nil
}

func (c *fakeChannel) QueuePurge(name string, noWait bool) (int, error) { return 0, nil }

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declaredExchanges[name] = true
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
