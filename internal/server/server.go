// Package server is a reference avatar synthesis service. It keeps the
// connect/speak/disconnect contract of the hosted service, issues speech and
// ICE tokens, and streams simulated speech events so clients can be run and
// tested without the real backend.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/normanking/avatarspeech/internal/speech"
	"github.com/normanking/avatarspeech/internal/synth"
	"github.com/rs/zerolog"
)

// Config configures the service
type Config struct {
	SpeechKey    string
	SpeechRegion string
	STSEndpoint  string // token issuing URL; derived from the region when empty

	ICESecret string
	ICEServer string // STUN url handed out with ICE tokens

	SimulatedSpeech bool          // announce speech.finished after the pacing interval
	SpeakDelay      time.Duration // simulated processing time per speak request
	IdleTimeout     time.Duration // close connections idle this long; 0 = never
	Pacing          speech.Pacing
}

// DefaultConfig returns the hosted service's defaults
func DefaultConfig() Config {
	return Config{
		SpeechRegion:    "westus2",
		ICESecret:       "avatar-service-secret",
		ICEServer:       "stun:stun.l.google.com:19302",
		SimulatedSpeech: true,
		SpeakDelay:      100 * time.Millisecond,
		Pacing:          speech.DefaultPacing(),
	}
}

// connection is one open avatar connection
type connection struct {
	character  string
	style      string
	background string
	createdAt  time.Time
	lastActive time.Time

	speaking  bool
	utterance uint64
	timer     *time.Timer
}

// Server holds the active connections and the event hub
type Server struct {
	cfg        Config
	logger     zerolog.Logger
	hub        *Hub
	httpClient *http.Client
	mux        *http.ServeMux

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a service with cfg
func New(cfg Config, logger zerolog.Logger) *Server {
	def := DefaultConfig()
	if cfg.SpeechRegion == "" {
		cfg.SpeechRegion = def.SpeechRegion
	}
	if cfg.ICESecret == "" {
		cfg.ICESecret = def.ICESecret
	}
	if cfg.ICEServer == "" {
		cfg.ICEServer = def.ICEServer
	}
	if cfg.Pacing == (speech.Pacing{}) {
		cfg.Pacing = def.Pacing
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "avatar-service").Logger(),
		hub:        NewHub(logger),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		mux:        http.NewServeMux(),
		conns:      make(map[string]*connection),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler with CORS and panic recovery applied
func (s *Server) Handler() http.Handler {
	return withSentryRecovery(withCORS(s.mux))
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Speaking reports whether connection id is mid-utterance
func (s *Server) Speaking(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return ok && c.speaking
}

// Expire closes connection id on the service side and announces it on the
// event stream.
func (s *Server) Expire(id, reason string) bool {
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		s.dropLocked(id, c)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info().Str("connection", id).Str("reason", reason).Msg("Connection expired")
		s.hub.Broadcast(synth.Event{Type: synth.EventSessionClosed, ConnectionID: id, Reason: reason})
	}
	return ok
}

// Run expires idle connections until ctx ends. It returns at once when no
// idle timeout is configured.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.idleSince(now.Add(-s.cfg.IdleTimeout)) {
				s.Expire(id, "idle timeout")
			}
		}
	}
}

// Close drops every connection and disconnects event subscribers
func (s *Server) Close() {
	s.mu.Lock()
	for id, c := range s.conns {
		s.dropLocked(id, c)
	}
	s.mu.Unlock()
	s.hub.Close()
}

func (s *Server) idleSince(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.conns {
		if !c.speaking && c.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) dropLocked(id string, c *connection) {
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(s.conns, id)
}

// startSpeaking marks id as speaking and returns the utterance number, or
// false when the connection is gone.
func (s *Server) startSpeaking(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return 0, false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.utterance++
	c.speaking = true
	c.lastActive = time.Now()
	return c.utterance, true
}

// scheduleFinish arms the simulated end of utterance n on id.
func (s *Server) scheduleFinish(id string, n uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.utterance != n {
		return
	}
	c.timer = time.AfterFunc(s.cfg.Pacing.Duration(text), func() { s.finishSpeaking(id, n) })
}

func (s *Server) finishSpeaking(id string, n uint64) {
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok || c.utterance != n {
		s.mu.Unlock()
		return
	}
	c.speaking = false
	c.timer = nil
	c.lastActive = time.Now()
	s.mu.Unlock()

	s.hub.Broadcast(synth.Event{Type: synth.EventSpeechFinished, ConnectionID: id, Utterance: n})
}

// connectDefaults fills the hosted service's avatar defaults
func connectDefaults(req synth.ConnectRequest) synth.ConnectRequest {
	def := avatar.DefaultConfig()
	if req.Character == "" {
		req.Character = def.Character
	}
	if req.Style == "" {
		req.Style = def.Style
	}
	if req.Background == "" {
		req.Background = def.BackgroundColor
	}
	return req
}
