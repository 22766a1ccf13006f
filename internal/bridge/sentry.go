package bridge

import (
	"errors"

	"github.com/getsentry/sentry-go"
	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/rs/zerolog"
)

// SentryReporter sends avatar error events to Sentry.
type SentryReporter struct {
	hub    *sentry.Hub
	logger zerolog.Logger
}

// NewSentryReporter reports through hub, or the current hub when nil.
func NewSentryReporter(hub *sentry.Hub, logger zerolog.Logger) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{
		hub:    hub,
		logger: logger.With().Str("component", "sentry-reporter").Logger(),
	}
}

// Attach subscribes the reporter to error events on eventBus.
func (r *SentryReporter) Attach(eventBus *bus.EventBus) {
	eventBus.Subscribe(bus.EventTypeError, r.report)
}

func (r *SentryReporter) report(e bus.Event) {
	kind, _ := e.Data["kind"].(string)
	if kind == "" {
		kind = "unknown"
	}
	err := errors.New(errorMessage(e))

	// Bus flushes run on many goroutines; each report gets its own scope.
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("avatar.error_kind", kind)
		scope.SetExtras(e.Data)
	})
	if id := hub.CaptureException(err); id != nil {
		r.logger.Debug().Str("event_id", string(*id)).Str("kind", kind).Msg("Reported avatar error")
	}
}
