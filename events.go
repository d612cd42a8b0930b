package resilientmq

import (
	"log/slog"
	"sync"
)

// EventName identifies an event on the bus; see spec §4.7 for the
// full table of names and payloads.
type EventName string

const (
	EventConnecting       EventName = "connecting"
	EventConnected        EventName = "connected"
	EventConnectionError  EventName = "connectionError"
	EventConnectionClosed EventName = "connectionClosed"
	EventConnectionFailed EventName = "connectionFailed"
	EventChannelError     EventName = "channelError"
	EventChannelClosed    EventName = "channelClosed"
	EventChannelDrain     EventName = "channelDrain"
	EventMessageReturned  EventName = "messageReturned"
	EventMetrics          EventName = "metrics"
	EventReconnecting     EventName = "reconnecting"
	EventReconnected      EventName = "reconnected"
	EventReconnectFailed  EventName = "reconnectFailed"
	EventBlocked          EventName = "blocked"
	EventUnblocked        EventName = "unblocked"
	EventError            EventName = "error"
	EventClosed           EventName = "closed"
)

// MessageReturnedPayload is emitted for EventMessageReturned: a
// broker-returned unroutable mandatory publish.
type MessageReturnedPayload struct {
	Exchange   string
	RoutingKey string
	ReplyCode  int
	ReplyText  string
	Body       []byte
}

// EventHandler receives an event's payload. Payload is nil for events
// that carry none (see spec §4.7's "-" rows).
type EventHandler func(payload interface{})

// EventBus is an ordered multicast of named lifecycle events to
// subscribers, called synchronously in registration order. A handler
// that panics is logged and does not prevent later handlers from
// running, per spec §4.7.
type EventBus struct {
	mu       sync.Mutex
	handlers map[EventName][]EventHandler
}

func newEventBus() *EventBus {
	return &EventBus{handlers: map[EventName][]EventHandler{}}
}

// Subscribe registers handler to be called, in registration order,
// every time name is emitted.
func (b *EventBus) Subscribe(name EventName, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Emit calls every handler registered for name, synchronously, in
// registration order. A handler panic is recovered, logged, and does
// not stop later handlers from being invoked.
func (b *EventBus) Emit(name EventName, payload interface{}) {
	b.mu.Lock()
	handlers := make([]EventHandler, len(b.handlers[name]))
	copy(handlers, b.handlers[name])
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(name, h, payload)
	}
}

func (b *EventBus) invoke(name EventName, h EventHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", string(name), "panic", r)
		}
	}()
	h(payload)
}
