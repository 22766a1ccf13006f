package synth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventHandler receives speech events. *avatar.Panel implements it.
type EventHandler interface {
	SpeechFinished(sessionID string, utterance uint64)
	SessionLost(sessionID, reason string)
}

// EventListener follows the service's event stream and relays it to a
// handler, reconnecting with backoff when the stream drops.
type EventListener struct {
	url     string
	handler EventHandler
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	// Backoff is the first reconnect delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEventListener creates a listener for the service at baseURL
func NewEventListener(baseURL string, handler EventHandler, logger zerolog.Logger) *EventListener {
	return &EventListener{
		url:        wsURL(strings.TrimSuffix(baseURL, "/")) + PathEvents,
		handler:    handler,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.With().Str("component", "synth-events").Logger(),
		Backoff:    3 * time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

// Start begins listening in the background until ctx ends or Stop is called.
func (l *EventListener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.connectLoop(ctx)
	}()
}

// Stop ends the listener and waits for it to exit.
func (l *EventListener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.connected = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// IsConnected returns connection status
func (l *EventListener) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *EventListener) setConnected(connected bool) {
	l.mu.Lock()
	l.connected = connected
	l.mu.Unlock()
}

// connectLoop keeps the stream open with exponential backoff
func (l *EventListener) connectLoop(ctx context.Context) {
	backoff := l.Backoff
	consecutiveFailures := 0

	for {
		err := l.listen(ctx)
		l.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			consecutiveFailures++
			if consecutiveFailures == 3 {
				l.logger.Warn().
					Err(err).
					Int("failures", consecutiveFailures).
					Msg("Speech event stream not available, will retry less frequently")
			} else if consecutiveFailures > 3 {
				l.logger.Debug().Int("failures", consecutiveFailures).Msg("Speech event stream still unavailable")
			} else {
				l.logger.Warn().Err(err).Msg("Speech event stream dropped, reconnecting...")
			}
		} else {
			consecutiveFailures = 0
			backoff = l.Backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < l.MaxBackoff {
			backoff *= 2
			if backoff > l.MaxBackoff {
				backoff = l.MaxBackoff
			}
		}
	}
}

// listen holds one websocket connection until it fails or ctx ends. It
// returns nil when the server closed the stream normally.
func (l *EventListener) listen(ctx context.Context) error {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", l.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	l.setConnected(true)
	l.logger.Info().Str("url", l.url).Msg("Connected to speech event stream")

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		l.handleEvent(ev)
	}
}

// handleEvent relays one stream event
func (l *EventListener) handleEvent(ev Event) {
	switch ev.Type {
	case EventSpeechStarted:
		l.logger.Debug().Str("connection", ev.ConnectionID).Msg("Speech started")
	case EventSpeechFinished:
		l.handler.SpeechFinished(ev.ConnectionID, ev.Utterance)
	case EventSessionClosed:
		reason := ev.Reason
		if reason == "" {
			reason = "session closed by service"
		}
		l.handler.SessionLost(ev.ConnectionID, reason)
	default:
		l.logger.Debug().Str("type", string(ev.Type)).Msg("Unknown event type")
	}
}

// wsURL turns an http(s) base into its ws(s) equivalent
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	}
	return "ws://" + base
}
