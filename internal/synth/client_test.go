package synth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(&ClientConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, zerolog.Nop())
}

func TestClient_OpenSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathConnect, func(w http.ResponseWriter, r *http.Request) {
		var req ConnectRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, ConnectRequest{Character: "max", Style: "business", Background: "#000000"}, req)
		writeTestJSON(w, http.StatusOK, ConnectResponse{
			ConnectionID: "conn-1",
			Character:    req.Character,
			Style:        req.Style,
			Background:   req.Background,
			Status:       "connected",
		})
	})
	c := newTestClient(t, mux)

	id, err := c.OpenSession(context.Background(), avatar.Config{
		Character:       "max",
		Style:           "business",
		BackgroundColor: "#000000",
	})
	require.NoError(t, err)
	assert.Equal(t, "conn-1", id)
}

func TestClient_OpenSessionWithoutID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathConnect, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, ConnectResponse{Status: "connected"})
	})
	c := newTestClient(t, mux)

	_, err := c.OpenSession(context.Background(), avatar.DefaultConfig())
	assert.ErrorContains(t, err, "no connection id")
}

func TestClient_SubmitUtterance(t *testing.T) {
	var got SpeakRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathSpeak, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeTestJSON(w, http.StatusOK, SpeakResponse{
			ConnectionID: got.ConnectionID,
			Utterance:    7,
			Text:         got.Text,
			Voice:        got.Voice,
			Status:       "speaking",
		})
	})
	c := newTestClient(t, mux)

	n, err := c.SubmitUtterance(context.Background(), "conn-1", "Hello there", "en-US-JennyNeural")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
	assert.Equal(t, SpeakRequest{ConnectionID: "conn-1", Text: "Hello there", Voice: "en-US-JennyNeural"}, got)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		target  error
		message string
	}{
		{
			name:    "invalid connection",
			status:  http.StatusBadRequest,
			body:    ErrorResponse{Error: "Invalid connection"},
			target:  ErrUnknownConnection,
			message: "Invalid connection",
		},
		{
			name:    "no text",
			status:  http.StatusBadRequest,
			body:    ErrorResponse{Error: "No text provided"},
			target:  ErrEmptyText,
			message: "No text provided",
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    ErrorResponse{Error: "Connection not found"},
			target:  ErrUnknownConnection,
			message: "Connection not found",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    ErrorResponse{Error: "synthesis backend down"},
			message: "synthesis backend down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST "+PathSpeak, func(w http.ResponseWriter, r *http.Request) {
				writeTestJSON(w, tt.status, tt.body)
			})
			c := newTestClient(t, mux)

			_, err := c.SubmitUtterance(context.Background(), "conn-1", "Hi", "")
			require.Error(t, err)

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.status, serr.StatusCode)
			assert.Equal(t, tt.message, serr.Message)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			} else {
				assert.False(t, errors.Is(err, ErrUnknownConnection))
				assert.False(t, errors.Is(err, ErrEmptyText))
			}
		})
	}
}

func TestClient_NonJSONError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathDisconnect, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	err := c.CloseSession(context.Background(), "conn-1")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadGateway, serr.StatusCode)
	assert.Equal(t, "bad gateway", serr.Message)
}

func TestClient_Tokens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathSpeechToken, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, SpeechToken{Token: "tok", Region: "westus2", ExpiresIn: 3600})
	})
	mux.HandleFunc("GET "+PathICEToken, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, ICEToken{
			Token:      "jwt",
			ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		})
	})
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	c := newTestClient(t, mux)

	st, err := c.SpeechToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SpeechToken{Token: "tok", Region: "westus2", ExpiresIn: 3600}, st)

	it, err := c.ICEToken(context.Background())
	require.NoError(t, err)
	require.Len(t, it.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, it.ICEServers[0].URLs)

	assert.NoError(t, c.Health(context.Background()))
}

func TestClient_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathConnect, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	c := newTestClient(t, mux)
	// Runs before the server's Close, which waits for the handler.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.OpenSession(ctx, avatar.DefaultConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "short", truncateForLog("short", 10))
	assert.Equal(t, "héllo...", truncateForLog("héllo wörld", 5))
	assert.Equal(t, "日本...", truncateForLog("日本語のテキスト", 2))
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8765", wsURL("http://localhost:8765"))
	assert.Equal(t, "wss://avatar.example.com", wsURL("https://avatar.example.com"))
	assert.Equal(t, "ws://127.0.0.1:1", wsURL("ws://127.0.0.1:1"))
	assert.Equal(t, "ws://host:1", wsURL("host:1"))
}
