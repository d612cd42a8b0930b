package resilientmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, driver Driver, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URLs = []string{"amqp://node-a", "amqp://node-b", "amqp://node-c"}
	cfg.Pool.MaxChannels = 2
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, driver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Scenario 1 (spec §8): single-node publish/consume against a fake
// broker, asserting topology declaration, a confirmed publish, and a
// delivered message landing in the consumer's handler.
func TestClient_SingleNodePublishAndConsume(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	err := c.AssertExchange("events", "topic", ExchangeOptions{Durable: true})
	require.NoError(t, err)
	_, err = c.AssertQueue("user-events", QueueOptions{Durable: true})
	require.NoError(t, err)
	require.NoError(t, c.BindQueue("user-events", "user.*", "events", nil))

	received := make(chan amqp.Delivery, 1)
	_, err = c.Consume("user-events", func(msg amqp.Delivery, actions *AckActions) error {
		received <- msg
		return nil
	}, ConsumeOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Publish("events", "user.created", []byte(`{"id":1}`), PublishOptions{Persistent: true}))

	fc := c.defaultCh.(*fakeChannel)
	fc.Deliver(amqp.Delivery{Body: []byte(`{"id":1}`), DeliveryTag: 1})

	select {
	case msg := <-received:
		assert.Equal(t, []byte(`{"id":1}`), msg.Body)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	snap := c.GetMetrics()
	assert.EqualValues(t, 1, snap.MessagesSent)
}

// Scenario 2 (spec §8): exponential backoff bounds. With
// reconnectDelay=1000ms, exponentialBackoff=true and an unbounded
// attempt count, every computed delay must land in [1000ms, 60000ms]
// and the sequence must be monotonically non-decreasing until the cap.
func TestClient_BackoffDelayStaysWithinBounds(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) {
		cfg.ReconnectDelay = time.Second
		cfg.ExponentialBackoff = true
		cfg.MaxReconnectAttempts = -1
	})

	var prev time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := c.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 60*time.Second)
		if d < 60*time.Second {
			assert.GreaterOrEqual(t, d, prev, "delay must not decrease before the cap")
		}
		prev = d
	}
}

// Scenario 6 (spec §8): manual-ack wins once. Whichever of
// Ack/Nack/Reject is called first is the only settlement the driver
// observes; later calls are silently ignored.
func TestClient_ManualAckSettlesOnlyOnce(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	var gotActions *AckActions
	done := make(chan struct{})
	_, err := c.Consume("orders", func(msg amqp.Delivery, actions *AckActions) error {
		gotActions = actions
		actions.Ack()
		actions.Nack(true)
		actions.Reject(true)
		close(done)
		return nil
	}, ConsumeOptions{ManualAck: true})
	require.NoError(t, err)

	fc := c.defaultCh.(*fakeChannel)
	fc.Deliver(amqp.Delivery{DeliveryTag: 42})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	require.NotNil(t, gotActions)
	assert.Equal(t, []uint64{42}, fc.acks)
	assert.Empty(t, fc.nacks)
	assert.Empty(t, fc.rejects)
}

func TestClient_PublishTimesOutWhenBrokerNeverConfirms(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	fc := c.defaultCh.(*fakeChannel)
	fc.autoConfirm = false

	err := c.Publish("events", "user.created", []byte("x"), PublishOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePublishTimeout))
}

func TestClient_PublishBatchStopsAtFirstFailure(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	fc := c.defaultCh.(*fakeChannel)
	fc.forcedOutcome = []bool{true, false, true}

	sent, err := c.PublishBatch([]PublishMessage{
		{Exchange: "events", RoutingKey: "a", Payload: []byte("1")},
		{Exchange: "events", RoutingKey: "b", Payload: []byte("2")},
		{Exchange: "events", RoutingKey: "c", Payload: []byte("3")},
	})

	require.Error(t, err)
	assert.Equal(t, 1, sent)
}

func TestClient_HealthCheckReflectsConnectionState(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) {
		cfg.URLs = []string{"amqp://node-a"}
		// Keep the background reconnect loop from racing the assertion below.
		cfg.ReconnectDelay = 10 * time.Second
	})

	assert.True(t, c.HealthCheck())

	conn := c.conn.(*fakeConnection)
	conn.SimulateClose(&amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"})

	assert.Eventually(t, func() bool { return !c.HealthCheck() }, time.Second, 10*time.Millisecond)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestClient_GracefulShutdownWaitsForInFlightCounters(t *testing.T) {
	driver := newFakeDriver()
	c := newTestClient(t, driver, func(cfg *Config) { cfg.URLs = []string{"amqp://node-a"} })

	// Simulate one outstanding message: sent > received until the
	// background goroutine below catches up.
	c.metrics.incSent()

	go func() {
		time.Sleep(150 * time.Millisecond)
		c.metrics.incReceived()
	}()

	start := time.Now()
	require.NoError(t, c.GracefulShutdown())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// Scenario 3 (spec §8): failureThreshold=2, a single always-bad URL.
// The first two connect() calls fail with the transport error; the
// third call must fail fast with CircuitBreakerOpen and must not
// invoke the driver's Dial at all.
func TestClient_CircuitBreakerStopsDialingOnceOpen(t *testing.T) {
	driver := newFakeDriver()
	driver.dialErr = func(url string) error { return errors.New("connection refused") }

	cfg := DefaultConfig()
	cfg.URLs = []string{"amqp://bad:1"}
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.ResetTimeout = time.Hour
	require.NoError(t, cfg.validate())

	events := newEventBus()
	c := &Client{
		config:    cfg,
		driver:    driver,
		registry:  newNodeRegistry(cfg.URLs, cfg.Cluster.PriorityNodes, cfg.FailoverStrategy),
		breaker:   newCircuitBreaker(cfg.Breaker),
		metrics:   newMetrics(events),
		events:    events,
		consumers: map[string]*consumerState{},
	}
	c.pool = newChannelPool(cfg.Pool.MaxChannels, c.openConfirmChannel)

	err := c.connect()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCluster))

	err = c.connect()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCluster))

	dialsBeforeThirdCall := driver.DialCount("amqp://bad:1")
	require.NotZero(t, dialsBeforeThirdCall)

	err = c.connect()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeCircuitBreakerOpen))

	assert.Equal(t, dialsBeforeThirdCall, driver.DialCount("amqp://bad:1"),
		"connect() must not invoke the driver once the breaker is open")
	assert.Equal(t, []string{"amqp://bad:1"}, driver.DialSequence()[:1])
}
