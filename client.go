package resilientmq

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Client is the public API surface of the core: a single long-lived,
// self-healing logical connection to a broker cluster, a pool of
// reusable channels, publish/consume/topology operations, and the
// observability surface (events, metrics), per spec §2 item 6.
//
// Exactly one supervisor state machine is owned per Client; shutdown
// is a monotonic false->true latch, per spec §3.
type Client struct {
	config Config
	driver Driver

	registry *nodeRegistry
	breaker  *circuitBreaker
	pool     *channelPool
	metrics  *metrics
	events   *EventBus

	// connMu serialises connect/reconnect/close: spec §5 requires these
	// three to be mutually exclusive, with overlapping callers joining
	// the in-flight operation's result.
	connMu sync.Mutex

	conn         Connection
	defaultCh    Channel
	reconnecting bool
	connecting   bool
	shutdown     bool
	shutdownMu   sync.RWMutex

	// bg runs the background sweeps and stops them on close.
	bg *backgroundTasks

	// consumers tracks registered consumer tags on the default channel
	// so cancel() can stop further deliveries. Channel recovery does not
	// consult it: consumers are not re-registered on a recovered channel.
	consumersMu sync.Mutex
	consumers   map[string]*consumerState
}

type consumerState struct {
	queue     string
	opts      ConsumeOptions
	cancelled bool
}

// New constructs a Client from cfg and establishes the initial
// connection, per spec §3 "Created by constructor". Construction
// errors (invalid config) fail fast and are never reconciled.
func New(cfg Config, driver Driver) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

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

	if err := c.connect(); err != nil {
		return nil, err
	}

	c.bg = startBackgroundTasks(c)

	return c, nil
}

// newConsumerTag mirrors the teacher's DefaultConsumerTag pattern: a
// short random suffix derived from a uuid so concurrently created
// clients/consumers don't collide.
func newConsumerTag(prefix string) string {
	return prefix + "-" + uuid.NewV4().String()[0:8]
}

func (c *Client) isShutdown() bool {
	c.shutdownMu.RLock()
	defer c.shutdownMu.RUnlock()
	return c.shutdown
}

func (c *Client) setShutdown() {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	c.shutdown = true
}

// Subscribe registers an event handler, see spec §4.7.
func (c *Client) Subscribe(name EventName, handler EventHandler) {
	c.events.Subscribe(name, handler)
}

// GetMetrics returns a point-in-time snapshot of the live counters.
func (c *Client) GetMetrics() MetricsSnapshot {
	return c.metrics.snapshot()
}

func (c *Client) handleError(code Code, err error, details map[string]string) error {
	c.metrics.incErrors()
	wrapped := Wrap(code, err, err.Error())
	for k, v := range details {
		wrapped.WithDetail(k, v)
	}
	c.events.Emit(EventError, wrapped)
	return wrapped
}

// defaultTimeout resolves a zero-valued timeout to d.
func defaultTimeout(t time.Duration, d time.Duration) time.Duration {
	if t <= 0 {
		return d
	}
	return t
}
