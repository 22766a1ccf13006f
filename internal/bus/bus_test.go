package bus

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishDeliversInOrder(t *testing.T) {
	b := NewEventBus(zerolog.Nop())

	var got []EventType
	b.SubscribeMultiple([]EventType{EventTypeConnected, EventTypeSpeakingStarted}, func(e Event) {
		got = append(got, e.Type)
	})

	b.Publish(Event{Type: EventTypeConnected})
	b.Publish(Event{Type: EventTypeSpeakingStarted})
	b.Publish(Event{Type: EventTypeSpeakingStopped}) // no subscriber

	assert.Equal(t, []EventType{EventTypeConnected, EventTypeSpeakingStarted}, got)
}

func TestEventBus_PostHoldsUntilFlush(t *testing.T) {
	b := NewEventBus(zerolog.Nop())

	count := 0
	b.Subscribe(EventTypeError, func(Event) { count++ })

	b.Post(Event{Type: EventTypeError})
	b.Post(Event{Type: EventTypeError})
	assert.Equal(t, 0, count)

	b.Flush()
	assert.Equal(t, 2, count)

	b.Flush()
	assert.Equal(t, 2, count, "events are delivered once")
}

func TestEventBus_ReentrantPublish(t *testing.T) {
	b := NewEventBus(zerolog.Nop())

	var got []EventType
	b.Subscribe(EventTypeConnected, func(e Event) {
		got = append(got, e.Type)
		b.Publish(Event{Type: EventTypeSpeakingStarted})
		got = append(got, "after-inner-publish")
	})
	b.Subscribe(EventTypeSpeakingStarted, func(e Event) {
		got = append(got, e.Type)
	})

	b.Publish(Event{Type: EventTypeConnected})

	assert.Equal(t, []EventType{EventTypeConnected, "after-inner-publish", EventTypeSpeakingStarted}, got)
}

func TestEventBus_HandlerPanicIsIsolated(t *testing.T) {
	b := NewEventBus(zerolog.Nop())

	second := false
	b.Subscribe(EventTypeError, func(Event) { panic("boom") })
	b.Subscribe(EventTypeError, func(Event) { second = true })

	require.NotPanics(t, func() {
		b.Publish(Event{Type: EventTypeError})
	})
	assert.True(t, second, "later handlers still run")

	// The bus keeps working after a panic.
	second = false
	b.Publish(Event{Type: EventTypeError})
	assert.True(t, second)
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	b := NewEventBus(zerolog.Nop())

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventTypeUnitQueued, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: EventTypeUnitQueued})
		}()
	}
	wg.Wait()
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, count)
}

func TestEventBus_Clear(t *testing.T) {
	b := NewEventBus(zerolog.Nop())
	called := false
	b.Subscribe(EventTypeConnected, func(Event) { called = true })
	b.Clear()
	b.Publish(Event{Type: EventTypeConnected})
	assert.False(t, called)
}
