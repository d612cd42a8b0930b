package resilientmq

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's observable state, per spec §4.3.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker fast-fails connect attempts after a burst of
// failures, per spec §4.3. Reset is event-driven: any successful
// connect resets failures to 0 and flips open to false. A bounded
// half-open probe is supported (spec §4.3/§9 allow it) but never
// changes the connecting/connected event sequence the supervisor
// emits — it only changes whether connect() is attempted at all.
type circuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state       breakerState
	failures    int
	lastFailure time.Time
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		state:            breakerClosed,
	}
}

// Allow reports whether a connect attempt may proceed. If the breaker
// is open but resetTimeout has elapsed since lastFailure, it promotes
// to half-open and allows a single probe attempt.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resets the breaker to Closed, per spec §4.3/§8: any
// successful connect leaves open=false, failures=0, lastFailure=null.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.lastFailure = time.Time{}
}

// RecordFailure increments the failure counter exactly once per call
// (the supervisor calls this once per outer connect() cycle, not once
// per inner URL attempt, per spec §9 Open Question #1) and opens the
// breaker once the threshold is reached.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
	}
}

// Open reports whether the breaker is in the Open state. It becomes
// true when failures reach failureThreshold and is false again after
// a success, or once Allow has promoted it to a half-open probe.
func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}

func (b *circuitBreaker) snapshot() (failures int, open bool, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.state == breakerOpen, b.lastFailure
}
