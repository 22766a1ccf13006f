// Package bridge forwards avatar bus events to the host UI
package bridge

import (
	"fmt"

	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/rs/zerolog"
)

// Callbacks are the host hooks. Any of them may be nil.
type Callbacks struct {
	OnConnectionChange func(connected bool)
	OnSpeakingChange   func(speaking bool)
	OnError            func(message string)
}

// Bridge exposes panel events to the host
type Bridge struct {
	eventBus  *bus.EventBus
	callbacks Callbacks
	logger    zerolog.Logger
}

// New creates a bridge; call Bind to start forwarding.
func New(eventBus *bus.EventBus, callbacks Callbacks, logger zerolog.Logger) *Bridge {
	return &Bridge{
		eventBus:  eventBus,
		callbacks: callbacks,
		logger:    logger.With().Str("component", "bridge").Logger(),
	}
}

// Bind subscribes the callbacks to the bus. Call it once.
func (b *Bridge) Bind() {
	b.eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeConnected,
		bus.EventTypeDisconnected,
	}, b.handleConnection)

	b.eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeSpeakingStarted,
		bus.EventTypeSpeakingStopped,
	}, b.handleSpeaking)

	b.eventBus.Subscribe(bus.EventTypeError, b.handleError)
}

func (b *Bridge) handleConnection(e bus.Event) {
	if b.callbacks.OnConnectionChange == nil {
		return
	}
	connected := e.Type == bus.EventTypeConnected
	b.safely("OnConnectionChange", func() { b.callbacks.OnConnectionChange(connected) })
}

func (b *Bridge) handleSpeaking(e bus.Event) {
	if b.callbacks.OnSpeakingChange == nil {
		return
	}
	speaking := e.Type == bus.EventTypeSpeakingStarted
	b.safely("OnSpeakingChange", func() { b.callbacks.OnSpeakingChange(speaking) })
}

func (b *Bridge) handleError(e bus.Event) {
	if b.callbacks.OnError == nil {
		return
	}
	msg := errorMessage(e)
	b.safely("OnError", func() { b.callbacks.OnError(msg) })
}

// safely runs a host callback, logging instead of propagating a panic.
func (b *Bridge) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("callback", name).
				Str("panic", fmt.Sprint(r)).
				Msg("Host callback panicked")
		}
	}()
	fn()
}

func errorMessage(e bus.Event) string {
	if msg, ok := e.Data["error"].(string); ok {
		return msg
	}
	return "unknown error"
}
