package resilientmq

import (
	"sync"
	"time"
)

const poolPollInterval = 100 * time.Millisecond

// poolEntry wraps a pooled channel with its lease state, per spec §3
// "Channel entry": belongs to exactly one pool; inUse iff leased.
type poolEntry struct {
	channel Channel
	inUse   bool
}

// channelPool is a bounded set of confirm-capable channels with a
// free/in-use partition, per spec §4.2. Waiting callers poll
// independently; they are not served in arrival order.
// Invariants: len(entries) <= maxChannels; every entry is free or
// in-use, never both; free entries are open.
type channelPool struct {
	mu      sync.Mutex
	entries []*poolEntry
	maxSize int
	open    func() (Channel, error)
}

func newChannelPool(maxSize int, open func() (Channel, error)) *channelPool {
	return &channelPool{maxSize: maxSize, open: open}
}

// Acquire returns a free open channel, opening a new one if under
// capacity, or polling at 100ms until acquireTimeout elapses, per
// spec §4.2 and §8 scenario 4. The returned release func is
// idempotent: a second call is a no-op.
func (p *channelPool) Acquire(timeout time.Duration) (Channel, func(), error) {
	deadline := time.Now().Add(timeout)

	for {
		if ch, entry, ok := p.tryAcquire(); ok {
			var once sync.Once
			release := func() {
				once.Do(func() { p.release(entry) })
			}
			return ch, release, nil
		}

		if time.Now().After(deadline) {
			return nil, nil, NewError(CodeChannelAcquisitionTimeout, "timed out waiting for a free channel").
				WithDetail("timeout", timeout.String())
		}

		remaining := time.Until(deadline)
		sleep := poolPollInterval
		if remaining < sleep {
			sleep = remaining
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (p *channelPool) tryAcquire() (Channel, *poolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if !e.inUse && e.channel != nil && !e.channel.IsClosed() {
			e.inUse = true
			return e.channel, e, true
		}
	}

	if len(p.entries) < p.maxSize {
		ch, err := p.open()
		if err != nil {
			return nil, nil, false
		}
		e := &poolEntry{channel: ch, inUse: true}
		p.entries = append(p.entries, e)
		return ch, e, true
	}

	return nil, nil, false
}

func (p *channelPool) release(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.inUse = false
}

// CleanupStaleChannels removes every closed channel from the pool,
// swallowing any error closing them, per spec §4.2.
func (p *channelPool) CleanupStaleChannels() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := p.entries[:0]
	for _, e := range p.entries {
		if e.channel == nil || e.channel.IsClosed() {
			if e.channel != nil {
				_ = e.channel.Close()
			}
			continue
		}
		fresh = append(fresh, e)
	}
	p.entries = fresh
}

// Prefill opens channels up to maxSize, leaving them free, per spec
// §4.1 "pre-fills the pool to maxChannels" on a successful connect.
func (p *channelPool) Prefill() {
	p.mu.Lock()
	toOpen := p.maxSize - len(p.entries)
	p.mu.Unlock()

	for i := 0; i < toOpen; i++ {
		ch, err := p.open()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.entries = append(p.entries, &poolEntry{channel: ch})
		p.mu.Unlock()
	}
}

// Size returns the current number of tracked channels (free + in-use).
func (p *channelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CloseAll closes every pooled channel, swallowing errors, and empties
// the pool. Used by Client.close.
func (p *channelPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.channel != nil {
			_ = e.channel.Close()
		}
	}
	p.entries = nil
}
