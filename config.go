package resilientmq

import (
	"crypto/tls"
	"time"
)

// FailoverStrategy selects how the node registry orders candidate URLs
// for a connect attempt.
type FailoverStrategy string

const (
	RoundRobin FailoverStrategy = "round-robin"
	Random     FailoverStrategy = "random"
)

// PoolConfig bounds the channel pool.
type PoolConfig struct {
	MaxChannels    int
	AcquireTimeout time.Duration
}

// BreakerConfig bounds the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BatchConfig bounds publishBatch behaviour.
type BatchConfig struct {
	Size      int
	TimeoutMs int
}

// ClusterConfig controls multi-node failover and node health probing.
type ClusterConfig struct {
	RetryConnectTimeout  time.Duration
	NodeRecoveryInterval time.Duration
	ShuffleNodes         bool
	PriorityNodes        []string
}

// ChannelRecoveryConfig controls the background channel-recovery sweep.
type ChannelRecoveryConfig struct {
	MaxRetries   int
	RetryDelay   time.Duration
	AutoRecovery bool
}

// TLSConfig carries optional explicit TLS material. Selection of TLS
// itself is by URL scheme (amqp vs amqps); this struct only supplies
// material beyond the default system trust store.
type TLSConfig struct {
	CACertificates     [][]byte
	ClientCert         []byte
	ClientKey          []byte
	KeyPassphrase      string
	InsecureSkipVerify bool
}

func (t *TLSConfig) toTLSConfig() (*tls.Config, error) {
	if t == nil {
		return &tls.Config{}, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	if len(t.ClientCert) > 0 && len(t.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Config is the client's construction-time configuration. It is
// validated once in New and is immutable afterward, per spec §3.
type Config struct {
	// URLs is the set of configured broker URLs (cluster members). A
	// single URL may be passed via NewSingleURLConfig and is wrapped
	// into a one-element slice.
	URLs []string

	Heartbeat            time.Duration
	ConnectionTimeout    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // -1 = unbounded
	ExponentialBackoff   bool
	FailoverStrategy     FailoverStrategy

	Pool    PoolConfig
	Breaker BreakerConfig
	Batch   BatchConfig
	Cluster ClusterConfig

	ChannelRecovery ChannelRecoveryConfig

	PrefetchCount  int
	PrefetchGlobal bool

	Vhost string
	TLS   *TLSConfig
}

// DefaultConfig returns a Config with every optional field at its
// documented default, and no URLs: the caller must supply at least
// one, since validate rejects an empty URL list.
func DefaultConfig() Config {
	return Config{
		Heartbeat:            10 * time.Second,
		ConnectionTimeout:    30 * time.Second,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: -1,
		ExponentialBackoff:   true,
		FailoverStrategy:     RoundRobin,
		Pool: PoolConfig{
			MaxChannels:    10,
			AcquireTimeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Batch: BatchConfig{
			Size:      100,
			TimeoutMs: 30000,
		},
		Cluster: ClusterConfig{
			RetryConnectTimeout:  30 * time.Second,
			NodeRecoveryInterval: 0,
			ShuffleNodes:         false,
		},
		ChannelRecovery: ChannelRecoveryConfig{
			MaxRetries:   3,
			RetryDelay:   2 * time.Second,
			AutoRecovery: true,
		},
		PrefetchCount: 0,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Heartbeat == 0 {
		c.Heartbeat = defaults.Heartbeat
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaults.ReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if c.FailoverStrategy == "" {
		c.FailoverStrategy = defaults.FailoverStrategy
	}
	if c.Pool.MaxChannels == 0 {
		c.Pool.MaxChannels = defaults.Pool.MaxChannels
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = defaults.Pool.AcquireTimeout
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = defaults.Breaker.ResetTimeout
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = defaults.Batch.Size
	}
	if c.Batch.TimeoutMs == 0 {
		c.Batch.TimeoutMs = defaults.Batch.TimeoutMs
	}
	if c.ChannelRecovery.MaxRetries == 0 {
		c.ChannelRecovery.MaxRetries = defaults.ChannelRecovery.MaxRetries
	}
	if c.ChannelRecovery.RetryDelay == 0 {
		c.ChannelRecovery.RetryDelay = defaults.ChannelRecovery.RetryDelay
	}
}

// validate rejects an invalid Config at construction, per spec §3/§7.
// It mutates c in place to fill documented defaults for zero-valued
// optional fields, mirroring the teacher's applyDefaults.
func (c *Config) validate() error {
	if len(c.URLs) == 0 {
		return NewError(CodeConfiguration, "at least one broker URL must be provided")
	}
	for _, u := range c.URLs {
		if u == "" {
			return NewError(CodeConfiguration, "broker URL must not be empty")
		}
	}

	c.applyDefaults()

	if c.Heartbeat < time.Second || c.Heartbeat > 60*time.Second {
		return NewError(CodeConfiguration, "heartbeat must be between 1s and 60s").
			WithDetail("heartbeat", c.Heartbeat.String())
	}
	if c.ReconnectDelay < time.Second || c.ReconnectDelay > 60*time.Second {
		return NewError(CodeConfiguration, "reconnectDelay must be between 1s and 60s").
			WithDetail("reconnectDelay", c.ReconnectDelay.String())
	}
	if c.Pool.MaxChannels < 1 {
		return NewError(CodeConfiguration, "poolConfig.maxChannels must be >= 1").
			WithDetail("maxChannels", c.Pool.MaxChannels)
	}
	if c.FailoverStrategy != RoundRobin && c.FailoverStrategy != Random {
		return NewError(CodeConfiguration, "failoverStrategy must be round-robin or random").
			WithDetail("failoverStrategy", string(c.FailoverStrategy))
	}

	return nil
}

// NewSingleURLConfig wraps a single URL into a one-element Config,
// applying the rest of the defaults. Mirrors spec §6: "a single
// URL/object or a list" both being accepted.
func NewSingleURLConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URLs = []string{url}
	return cfg
}

// QueueOptions carries the broker extension arguments accepted by
// assertQueue, per spec §4.6. The core passes these through verbatim
// as driver extension arguments; it does not interpret them.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       map[string]interface{}

	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           *time.Duration
	Expires              *time.Duration
	MaxLength            *int
	MaxPriority          *int
}

func (o QueueOptions) toArgs() map[string]interface{} {
	args := map[string]interface{}{}
	for k, v := range o.Args {
		args[k] = v
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if o.MessageTTL != nil {
		args["x-message-ttl"] = o.MessageTTL.Milliseconds()
	}
	if o.Expires != nil {
		args["x-expires"] = o.Expires.Milliseconds()
	}
	if o.MaxLength != nil {
		args["x-max-length"] = *o.MaxLength
	}
	if o.MaxPriority != nil {
		args["x-max-priority"] = *o.MaxPriority
	}
	return args
}

// ExchangeOptions carries the broker extension arguments accepted by
// assertExchange.
type ExchangeOptions struct {
	Durable           bool
	AutoDelete        bool
	Internal          bool
	NoWait            bool
	Args              map[string]interface{}
	AlternateExchange string
}

func (o ExchangeOptions) toArgs() map[string]interface{} {
	args := map[string]interface{}{}
	for k, v := range o.Args {
		args[k] = v
	}
	if o.AlternateExchange != "" {
		args["alternate-exchange"] = o.AlternateExchange
	}
	return args
}

// PublishOptions customises a single publish/sendToQueue call.
type PublishOptions struct {
	Persistent  bool
	Mandatory   bool
	Immediate   bool
	Headers     map[string]interface{}
	ContentType string
	Timeout     time.Duration
}

// ConsumeOptions customises a consume call, per spec §4.5.
type ConsumeOptions struct {
	ManualAck bool
	NoAck     bool
	Exclusive bool
	Priority  int
	Args      map[string]interface{}
	Timeout   time.Duration
}

// GetOptions customises a synchronous get call.
type GetOptions struct {
	NoAck bool
}
