package resilientmq

import (
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time copy of the live counters, safe
// to hand to event subscribers or callers of GetMetrics, per spec §3/§6.
type MetricsSnapshot struct {
	MessagesSent      int64
	MessagesReceived  int64
	Errors            int64
	Reconnections     int64
	LastReconnectTime time.Time
	AvgProcessingTime time.Duration
}

// metrics holds the live, atomically-updated counters backing
// MetricsSnapshot. All counters are monotonically non-decreasing over
// the life of a client, per spec §8. Every counter update emits a
// metrics snapshot on events, per spec §4.7 ("periodic emission; also
// on every counter update"), in addition to the 60s background sweep.
type metrics struct {
	events *EventBus

	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	errorsCount       atomic.Int64
	reconnections     atomic.Int64
	lastReconnectUnix atomic.Int64 // unix nanoseconds; 0 = never
	avgProcessingNs   atomic.Int64
}

func newMetrics(events *EventBus) *metrics {
	return &metrics{events: events}
}

func (m *metrics) emit() {
	if m.events != nil {
		m.events.Emit(EventMetrics, m.snapshot())
	}
}

func (m *metrics) incSent() {
	m.messagesSent.Add(1)
	m.emit()
}

func (m *metrics) incReceived() {
	m.messagesReceived.Add(1)
	m.emit()
}

func (m *metrics) incErrors() {
	m.errorsCount.Add(1)
	m.emit()
}

func (m *metrics) incReconnections() {
	m.reconnections.Add(1)
	m.lastReconnectUnix.Store(time.Now().UnixNano())
	m.emit()
}

// recordProcessing folds elapsed into the running average as
// (prev + elapsed) / 2, per spec §4.5.
func (m *metrics) recordProcessing(elapsed time.Duration) {
	for {
		prev := m.avgProcessingNs.Load()
		next := (prev + elapsed.Nanoseconds()) / 2
		if m.avgProcessingNs.CompareAndSwap(prev, next) {
			return
		}
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	var last time.Time
	if u := m.lastReconnectUnix.Load(); u != 0 {
		last = time.Unix(0, u)
	}
	return MetricsSnapshot{
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		Errors:            m.errorsCount.Load(),
		Reconnections:     m.reconnections.Load(),
		LastReconnectTime: last,
		AvgProcessingTime: time.Duration(m.avgProcessingNs.Load()),
	}
}
