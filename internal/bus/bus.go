// Package bus provides an internal event bus for component communication
package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventType identifies different event types
type EventType string

// Event types for the avatar panel
const (
	// Connection events
	EventTypeConnecting   EventType = "connection.connecting"
	EventTypeConnected    EventType = "connection.connected"
	EventTypeDisconnected EventType = "connection.disconnected"
	EventTypeError        EventType = "connection.error"

	// Speech events
	EventTypeSpeakingStarted EventType = "speech.speaking_started"
	EventTypeSpeakingStopped EventType = "speech.speaking_stopped"
	EventTypeUnitQueued      EventType = "speech.unit_queued"
	EventTypeUnitSubmitted   EventType = "speech.unit_submitted"
	EventTypeUnitDropped     EventType = "speech.unit_dropped"
	EventTypeInterrupted     EventType = "speech.interrupted"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus.
//
// Delivery is synchronous and ordered: events are handed to subscribers one at
// a time in the order they were posted, even when posted from several
// goroutines. A handler that publishes from inside a callback has its event
// delivered after the current one finishes instead of deadlocking.
type EventBus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler

	outMu    sync.Mutex
	outbox   []Event
	draining bool
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger:   logger.With().Str("component", "bus").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Post queues an event without delivering it. It never calls a handler, so it
// is safe to call while holding the lock that guards the state the event
// describes. Follow with Flush once that lock is released.
func (b *EventBus) Post(event Event) {
	b.outMu.Lock()
	b.outbox = append(b.outbox, event)
	b.outMu.Unlock()
}

// Flush delivers every posted event. If another goroutine is already
// delivering, Flush returns at once and that goroutine picks up the events.
func (b *EventBus) Flush() {
	b.outMu.Lock()
	if b.draining {
		b.outMu.Unlock()
		return
	}
	b.draining = true

	for len(b.outbox) > 0 {
		event := b.outbox[0]
		b.outbox[0] = Event{}
		b.outbox = b.outbox[1:]
		b.outMu.Unlock()

		b.deliver(event)

		b.outMu.Lock()
	}
	b.outbox = nil
	b.draining = false
	b.outMu.Unlock()
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	b.Post(event)
	b.Flush()
}

func (b *EventBus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.call(handler, event)
	}
}

// call isolates a handler so a panic cannot unwind into the publisher.
func (b *EventBus) call(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(event.Type)).
				Err(fmt.Errorf("%v", r)).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
