package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/normanking/avatarspeech/internal/speech"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostLog records callback invocations in order
type hostLog struct {
	mu    sync.Mutex
	calls []string
}

func (h *hostLog) add(s string) {
	h.mu.Lock()
	h.calls = append(h.calls, s)
	h.mu.Unlock()
}

func (h *hostLog) get() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *hostLog) callbacks() Callbacks {
	return Callbacks{
		OnConnectionChange: func(c bool) {
			if c {
				h.add("connected")
			} else {
				h.add("disconnected")
			}
		},
		OnSpeakingChange: func(s bool) {
			if s {
				h.add("speaking")
			} else {
				h.add("silent")
			}
		},
		OnError: func(msg string) { h.add("error:" + msg) },
	}
}

func TestBridge_ForwardsInOrder(t *testing.T) {
	eventBus := bus.NewEventBus(zerolog.Nop())
	host := &hostLog{}
	New(eventBus, host.callbacks(), zerolog.Nop()).Bind()

	eventBus.Publish(bus.Event{Type: bus.EventTypeConnected})
	eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStarted})
	eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStopped})
	eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{"error": "boom"}})
	eventBus.Publish(bus.Event{Type: bus.EventTypeDisconnected})

	assert.Equal(t, []string{"connected", "speaking", "silent", "error:boom", "disconnected"}, host.get())
}

func TestBridge_NilCallbacksAreSkipped(t *testing.T) {
	eventBus := bus.NewEventBus(zerolog.Nop())
	New(eventBus, Callbacks{}, zerolog.Nop()).Bind()

	assert.NotPanics(t, func() {
		eventBus.Publish(bus.Event{Type: bus.EventTypeConnected})
		eventBus.Publish(bus.Event{Type: bus.EventTypeError})
	})
}

func TestBridge_ErrorWithoutMessage(t *testing.T) {
	eventBus := bus.NewEventBus(zerolog.Nop())
	host := &hostLog{}
	New(eventBus, host.callbacks(), zerolog.Nop()).Bind()

	eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{"kind": "submit"}})
	assert.Equal(t, []string{"error:unknown error"}, host.get())
}

func TestBridge_PanickingCallbackIsIsolated(t *testing.T) {
	eventBus := bus.NewEventBus(zerolog.Nop())
	host := &hostLog{}
	cb := host.callbacks()
	cb.OnConnectionChange = func(bool) { panic("host bug") }
	New(eventBus, cb, zerolog.Nop()).Bind()

	assert.NotPanics(t, func() {
		eventBus.Publish(bus.Event{Type: bus.EventTypeConnected})
	})
	eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStarted})
	assert.Equal(t, []string{"speaking"}, host.get())
}

// fakeService is an always-succeeding avatar.Service
type fakeService struct {
	mu      sync.Mutex
	submits []string
	failOn  string
}

func (f *fakeService) OpenSession(context.Context, avatar.Config) (string, error) {
	return "s-1", nil
}

func (f *fakeService) SubmitUtterance(_ context.Context, _, text, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, text)
	if text == f.failOn {
		return 0, errors.New("rejected")
	}
	return uint64(len(f.submits)), nil
}

func (f *fakeService) CloseSession(context.Context, string) error { return nil }

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func TestBridge_PanelLifecycle(t *testing.T) {
	svc := &fakeService{failOn: "Second"}
	panel := avatar.NewPanel(svc, avatar.PanelOptions{
		Pacing: speech.Pacing{Floor: time.Millisecond},
		Logger: zerolog.Nop(),
	})
	defer panel.Close(context.Background())

	host := &hostLog{}
	cb := host.callbacks()
	cb.OnSpeakingChange = func(s bool) {
		if s {
			host.add("speaking")
			panic("renderer crashed")
		}
		host.add("silent")
	}
	New(panel.Bus(), cb, zerolog.Nop()).Bind()

	require.NoError(t, panel.Connect(context.Background()))
	panel.EnqueueText("First. Second. Third.")
	require.Eventually(t, func() bool { return svc.count() == 3 && !panel.State().Busy }, 2*time.Second, 5*time.Millisecond)
	panel.Disconnect(context.Background())

	calls := host.get()
	require.NotEmpty(t, calls)
	assert.Equal(t, "connected", calls[0])
	assert.Equal(t, "disconnected", calls[len(calls)-1])

	errs := 0
	for _, c := range calls {
		if len(c) > 6 && c[:6] == "error:" {
			errs++
			assert.Contains(t, c, "rejected")
		}
	}
	assert.Equal(t, 1, errs)
}

func TestSentryReporter_CapturesErrorEvents(t *testing.T) {
	var mu sync.Mutex
	var captured []*sentry.Event

	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			captured = append(captured, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	eventBus := bus.NewEventBus(zerolog.Nop())
	NewSentryReporter(hub, zerolog.Nop()).Attach(eventBus)

	eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{
		"kind":  "submit",
		"error": "utterance rejected",
	}})
	eventBus.Publish(bus.Event{Type: bus.EventTypeConnected})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, "submit", captured[0].Tags["avatar.error_kind"])
	require.NotEmpty(t, captured[0].Exception)
	assert.Equal(t, "utterance rejected", captured[0].Exception[0].Value)
}

func TestSentryReporter_ConcurrentReportsKeepTheirTags(t *testing.T) {
	var mu sync.Mutex
	captured := map[string]string{}

	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			if len(event.Exception) > 0 {
				captured[event.Exception[0].Value] = event.Tags["avatar.error_kind"]
			}
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	eventBus := bus.NewEventBus(zerolog.Nop())
	NewSentryReporter(hub, zerolog.Nop()).Attach(eventBus)

	kinds := []string{"connection", "submit"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := kinds[i%2]
			eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{
				"kind":  kind,
				"error": fmt.Sprintf("%s failure %d", kind, i),
			}})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 50)
	for msg, kind := range captured {
		assert.True(t, strings.HasPrefix(msg, kind+" "), "%q tagged %q", msg, kind)
	}
}
