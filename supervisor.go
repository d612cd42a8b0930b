package resilientmq

import (
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const healthCheckQueueName = "healthCheckQueue"

// connect is idempotent: it returns immediately if already connected,
// fails fast with CircuitBreakerOpen if the breaker is open, and joins
// an in-flight connect if one is already running, per spec §4.1/§5.
func (c *Client) connect() error {
	c.connMu.Lock()
	if c.conn != nil && !c.conn.IsClosed() {
		c.connMu.Unlock()
		return nil
	}
	if c.connecting {
		c.connMu.Unlock()
		return nil
	}
	if !c.breaker.Allow() {
		c.connMu.Unlock()
		return NewError(CodeCircuitBreakerOpen, "circuit breaker is open; connect suppressed")
	}
	c.connecting = true
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.connecting = false
		c.connMu.Unlock()
	}()

	c.events.Emit(EventConnecting, nil)

	tlsCfg, err := c.config.TLS.toTLSConfig()
	if err != nil {
		return NewError(CodeConfiguration, "invalid TLS material").WithDetail("cause", err.Error())
	}

	order := c.registry.SelectionOrder()
	if len(order) == 0 {
		return NewError(CodeConfiguration, "no broker URLs configured")
	}
	// 5 distinct selections per spec §4.1, cycling the order if the
	// cluster has fewer than 5 members.
	const maxAttempts = 5

	var lastErr error
	var connectedConn Connection
	var attempts []string

	for i := 0; i < maxAttempts; i++ {
		url := order[i%len(order)]
		attempts = append(attempts, url)
		conn, dialErr := c.driver.Dial(url, c.config.Heartbeat, c.config.ConnectionTimeout, tlsCfg)
		if dialErr == nil {
			connectedConn = conn
			lastErr = nil
			break
		}
		lastErr = wrapCause(dialErr, "unable to dial "+url)
	}

	if connectedConn == nil {
		// Exactly one breaker increment per outer connect() call, per
		// spec §9 Open Question #1 — not once per inner attempt.
		c.breaker.RecordFailure()
		clusterErr := Wrap(CodeCluster, lastErr, "every configured URL failed during this connect cycle").
			WithDetail("attempts", attempts)
		c.events.Emit(EventConnectionFailed, clusterErr)
		return clusterErr
	}

	if err := c.onConnected(connectedConn); err != nil {
		c.breaker.RecordFailure()
		c.events.Emit(EventConnectionFailed, err)
		return err
	}

	c.breaker.RecordSuccess()
	c.events.Emit(EventConnected, nil)
	return nil
}

// onConnected wires driver events, creates the default confirm
// channel, and pre-fills the pool, per spec §4.1.
func (c *Client) onConnected(conn Connection) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.wireConnectionEvents(conn)

	ch, err := c.openConfirmChannel()
	if err != nil {
		return Wrap(CodeChannel, err, "unable to create default channel")
	}
	c.connMu.Lock()
	c.defaultCh = ch
	c.connMu.Unlock()
	c.wireChannelEvents(ch)

	c.pool.Prefill()

	if c.config.PrefetchCount > 0 {
		_ = ch.Qos(c.config.PrefetchCount, 0, c.config.PrefetchGlobal)
	}

	return nil
}

func (c *Client) openConfirmChannel() (Channel, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, NewError(CodeNotConnected, "no active connection")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *Client) wireConnectionEvents(conn Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for errEvt := range closeCh {
			if errEvt != nil {
				c.events.Emit(EventConnectionError, errEvt)
			}
			c.events.Emit(EventConnectionClosed, nil)
			c.scheduleReconnect()
			return
		}
	}()

	go func() {
		for b := range blockedCh {
			if b.Active {
				c.events.Emit(EventBlocked, b.Reason)
			} else {
				c.events.Emit(EventUnblocked, nil)
			}
		}
	}()
}

func (c *Client) wireChannelEvents(ch Channel) {
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 1))
	flowCh := ch.NotifyFlow(make(chan bool, 1))

	go func() {
		for errEvt := range closeCh {
			if errEvt != nil {
				c.events.Emit(EventChannelError, errEvt)
			}
			c.events.Emit(EventChannelClosed, nil)
			return
		}
	}()

	go func() {
		for ret := range returnCh {
			c.events.Emit(EventMessageReturned, MessageReturnedPayload{
				Exchange:   ret.Exchange,
				RoutingKey: ret.RoutingKey,
				ReplyCode:  int(ret.ReplyCode),
				ReplyText:  ret.ReplyText,
				Body:       ret.Body,
			})
		}
	}()

	go func() {
		for range flowCh {
			c.events.Emit(EventChannelDrain, nil)
		}
	}()
}

// scheduleReconnect triggers reconnect() in the background unless
// shutdown is in progress, per spec §4.1.
func (c *Client) scheduleReconnect() {
	if c.isShutdown() {
		return
	}
	go c.reconnect()
}

// reconnect force-closes existing channels/connection and loops
// attempting to re-establish, applying backoff between attempts, per
// spec §4.1. Skipped entirely if shutdown is in progress.
func (c *Client) reconnect() error {
	if c.isShutdown() {
		return nil
	}

	c.connMu.Lock()
	if c.reconnecting {
		c.connMu.Unlock()
		return nil
	}
	c.reconnecting = true
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.reconnecting = false
		c.connMu.Unlock()
	}()

	c.forceCloseAll()

	attempt := 0
	for {
		if c.isShutdown() {
			return nil
		}

		if c.config.MaxReconnectAttempts != -1 && attempt >= c.config.MaxReconnectAttempts {
			err := NewError(CodeReconnection, "reconnect retries exhausted").
				WithDetail("attempts", attempt)
			c.events.Emit(EventReconnectFailed, err)
			return err
		}

		delay := c.backoffDelay(attempt)
		c.events.Emit(EventReconnecting, nil)
		time.Sleep(delay)

		if err := c.tryReconnectOnce(); err != nil {
			attempt++
			continue
		}

		c.metrics.incReconnections()
		c.events.Emit(EventReconnected, nil)
		return nil
	}
}

// tryReconnectOnce performs one connect-and-rebuild cycle by calling
// connect(), so each failed cycle counts once toward the circuit
// breaker, and while the breaker is open the cycle fails with
// CircuitBreakerOpen without dialling.
func (c *Client) tryReconnectOnce() error {
	c.connMu.Lock()
	c.connecting = false
	c.conn = nil
	c.connMu.Unlock()

	return c.connect()
}

func (c *Client) forceCloseAll() {
	c.connMu.Lock()
	conn := c.conn
	defaultCh := c.defaultCh
	c.conn = nil
	c.defaultCh = nil
	c.connMu.Unlock()

	c.pool.CloseAll()
	if defaultCh != nil {
		_ = defaultCh.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// backoffDelay implements the formula in spec §4.1: base =
// reconnectDelay, cap = 60s. If exponentialBackoff is false, delay =
// base. Otherwise delay = clamp(base*2^attempt + jitter, base, cap),
// jitter uniform in +/-20% of the exponential term.
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.config.ReconnectDelay
	capDelay := 60 * time.Second

	if !c.config.ExponentialBackoff {
		return base
	}

	exp := float64(base) * float64(int64(1)<<uint(minInt(attempt, 20)))
	jitter := (rand.Float64()*2 - 1) * 0.2 * exp
	delay := time.Duration(exp + jitter)

	if delay < base {
		delay = base
	}
	if delay > capDelay {
		delay = capDelay
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// healthCheck performs a lightweight probe and must never panic/throw,
// per spec §4.1.
func (c *Client) healthCheck() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	c.connMu.Lock()
	conn := c.conn
	ch := c.defaultCh
	c.connMu.Unlock()

	if conn == nil || ch == nil || conn.IsClosed() || ch.IsClosed() {
		return false
	}

	if _, err := ch.QueueDeclare(healthCheckQueueName, false, true, false, false, nil); err != nil {
		return false
	}
	if _, err := ch.QueueInspect(healthCheckQueueName); err != nil {
		return false
	}
	if _, err := ch.QueueDelete(healthCheckQueueName, false, false, false); err != nil {
		return false
	}

	return true
}

// close stops background tasks, closes every channel/connection
// ignoring errors, and emits closed. Safe to call multiple times.
func (c *Client) close() error {
	c.connMu.Lock()
	connNil := c.conn == nil
	c.connMu.Unlock()
	if c.isShutdown() && connNil {
		return nil
	}

	c.setShutdown()

	if c.bg != nil {
		c.bg.stop()
	}

	c.forceCloseAll()
	c.events.Emit(EventClosed, nil)
	return nil
}

// Close is the public entry point for close(), per spec §2 item 6.
func (c *Client) Close() error {
	return c.close()
}

// GracefulShutdown arms the shutdown latch first (blocking further
// reconnects), waits up to 3s for messagesSent==messagesReceived
// polled at 100ms, then closes, per spec §4.1.
func (c *Client) GracefulShutdown() error {
	c.setShutdown()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.metrics.snapshot()
		if snap.MessagesSent == snap.MessagesReceived {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	return c.close()
}

// HealthCheck is the public entry point for healthCheck().
func (c *Client) HealthCheck() bool {
	return c.healthCheck()
}
