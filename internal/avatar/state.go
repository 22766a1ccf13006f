// Package avatar drives a talking avatar: it owns the session lifecycle with
// the remote synthesis service and feeds it one utterance at a time.
package avatar

import (
	"context"
	"sync"

	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/rs/zerolog"
)

// Status is the connection state of a session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	ID         string
	Status     Status
	LastError  string
	Generation uint64
	Config     Config
}

// Session is the connection state machine:
//
//	Disconnected/Error --Connect--> Connecting --ok--> Connected
//	                                           --fail--> Error
//	Connecting/Connected/Error --Disconnect--> Disconnected
//	Connected --Lost--> Error
//
// Every Connect and Disconnect bumps the generation. Work that suspends
// (opening the session, submitting a unit) captures the generation first and
// drops its result when the generation has moved on.
type Session struct {
	svc    Service
	cfg    Config
	bus    *bus.EventBus
	logger zerolog.Logger

	mu         sync.Mutex
	id         string
	status     Status
	lastError  string
	generation uint64
	closed     bool

	onStateChange func(status Status, generation uint64)
}

// NewSession creates a disconnected session for cfg.
func NewSession(svc Service, cfg Config, eventBus *bus.EventBus, logger zerolog.Logger) *Session {
	return &Session{
		svc:    svc,
		cfg:    cfg.WithDefaults(),
		bus:    eventBus,
		logger: logger.With().Str("component", "avatar-session").Logger(),
	}
}

// SetStateHandler sets the callback run after each transition, outside the
// session lock.
func (s *Session) SetStateHandler(handler func(status Status, generation uint64)) {
	s.mu.Lock()
	s.onStateChange = handler
	s.mu.Unlock()
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:         s.id,
		Status:     s.status,
		LastError:  s.lastError,
		Generation: s.generation,
		Config:     s.cfg,
	}
}

// Config returns the avatar configuration of this session.
func (s *Session) Config() Config {
	return s.cfg
}

// Connect opens a session with the synthesis service. It is a no-op while a
// session is already connecting or connected. Connect blocks until the open
// call resolves; a Disconnect in the meantime cancels it and Connect returns
// ErrConnectSuperseded.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if st := s.status; st == StatusConnecting || st == StatusConnected {
		s.mu.Unlock()
		s.logger.Debug().Str("status", st.String()).Msg("Connect ignored, session already active")
		return nil
	}
	s.generation++
	gen := s.generation
	s.status = StatusConnecting
	s.id = ""
	s.bus.Post(bus.Event{Type: bus.EventTypeConnecting, Data: map[string]any{
		"character": s.cfg.Character,
		"style":     s.cfg.Style,
	}})
	notify := s.onStateChange
	s.mu.Unlock()
	s.bus.Flush()
	s.notify(notify, StatusConnecting, gen)

	s.logger.Info().
		Str("character", s.cfg.Character).
		Str("style", s.cfg.Style).
		Msg("Opening avatar session")

	id, err := s.svc.OpenSession(ctx, s.cfg)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug().Uint64("generation", gen).Msg("Discarding superseded open result")
		if err == nil {
			s.closeOrphan(ctx, id)
		}
		return ErrConnectSuperseded
	}

	if err != nil {
		cerr := &ConnectionError{Err: err}
		s.status = StatusError
		s.lastError = cerr.Error()
		s.bus.Post(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
			"connected": false,
			"reason":    "connect_failed",
		}})
		s.bus.Post(bus.Event{Type: bus.EventTypeError, Data: map[string]any{
			"kind":  "connection",
			"error": cerr.Error(),
		}})
		notify = s.onStateChange
		s.mu.Unlock()
		s.bus.Flush()

		s.logger.Error().Err(err).Msg("Failed to open avatar session")
		s.notify(notify, StatusError, gen)
		return cerr
	}

	s.status = StatusConnected
	s.id = id
	s.lastError = ""
	s.bus.Post(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{
		"connected": true,
		"sessionId": id,
	}})
	notify = s.onStateChange
	s.mu.Unlock()
	s.bus.Flush()

	s.logger.Info().Str("session", id).Msg("Avatar session connected")
	s.notify(notify, StatusConnected, gen)
	return nil
}

// Disconnect returns the session to Disconnected. From Connected it also
// closes the remote session; a failed close is logged and otherwise ignored.
// Disconnecting while Connecting cancels the pending open.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	prev := s.status
	if prev == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen := s.generation
	id := s.id
	s.status = StatusDisconnected
	s.id = ""
	s.lastError = ""
	s.bus.Post(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
		"connected": false,
		"reason":    "disconnect",
		"from":      prev.String(),
	}})
	notify := s.onStateChange
	s.mu.Unlock()
	s.bus.Flush()

	s.logger.Info().Str("from", prev.String()).Str("session", id).Msg("Avatar session disconnected")
	s.notify(notify, StatusDisconnected, gen)

	if prev == StatusConnected && id != "" {
		if err := s.svc.CloseSession(ctx, id); err != nil {
			s.logger.Warn().Err(&CloseError{SessionID: id, Err: err}).Msg("Close failed, local state already disconnected")
		}
	}
}

// Lost marks a connected session as gone on the service side. Queued speech
// is kept so a later Connect can resume it.
func (s *Session) Lost(sessionID, reason string) {
	s.mu.Lock()
	if s.status != StatusConnected || s.id != sessionID {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen := s.generation
	s.status = StatusError
	s.id = ""
	s.lastError = reason
	s.bus.Post(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
		"connected": false,
		"reason":    "session_lost",
	}})
	s.bus.Post(bus.Event{Type: bus.EventTypeError, Data: map[string]any{
		"kind":  "connection",
		"error": reason,
	}})
	notify := s.onStateChange
	s.mu.Unlock()
	s.bus.Flush()

	s.logger.Warn().Str("session", sessionID).Str("reason", reason).Msg("Avatar session lost")
	s.notify(notify, StatusError, gen)
}

// Close disconnects and refuses further Connect calls.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect(ctx)
}

// isCurrent reports whether gen is still the live generation.
func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// closeOrphan closes a session whose open resolved after it was cancelled.
func (s *Session) closeOrphan(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.svc.CloseSession(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn().Err(&CloseError{SessionID: id, Err: err}).Msg("Failed to close orphaned session")
	}
}

func (s *Session) notify(handler func(Status, uint64), status Status, gen uint64) {
	if handler != nil {
		handler(status, gen)
	}
}
