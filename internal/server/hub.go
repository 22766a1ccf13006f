package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/avatarspeech/internal/synth"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait   = 5 * time.Second
	subscriberQ = 64
)

// subscriber is one websocket client of the event stream
type subscriber struct {
	connectionID string // empty = all connections
	send         chan synth.Event
}

// Hub fans speech events out to websocket subscribers.
type Hub struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "event-hub").Logger(),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Broadcast delivers ev to every matching subscriber. A subscriber that is
// too far behind loses the event.
func (h *Hub) Broadcast(ev synth.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.connectionID != "" && sub.connectionID != ev.ConnectionID {
			continue
		}
		select {
		case sub.send <- ev:
		default:
			h.logger.Warn().Str("type", string(ev.Type)).Msg("Subscriber queue full, dropping event")
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.send)
		delete(h.subs, sub)
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// ?connection_id= narrows the stream to one connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Event stream upgrade failed")
		return
	}

	sub := &subscriber{
		connectionID: req.URL.Query().Get("connection_id"),
		send:         make(chan synth.Event, subscriberQ),
	}
	h.add(sub)
	h.logger.Debug().Str("filter", sub.connectionID).Msg("Event subscriber joined")

	// The read side only watches for the client going away.
	go func() {
		defer h.remove(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for ev := range sub.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug().Err(err).Msg("Event subscriber write failed")
			h.remove(sub)
			break
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	h.logger.Debug().Msg("Event subscriber left")
}
