package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/normanking/avatarspeech/internal/synth"
)

const speechTokenTTL = 3600 // seconds

func (s *Server) routes() {
	s.mux.HandleFunc("GET "+synth.PathHealth, s.handleHealthz)

	s.mux.HandleFunc("POST "+synth.PathConnect, s.handleConnect)
	s.mux.HandleFunc("POST "+synth.PathSpeak, s.handleSpeak)
	s.mux.HandleFunc("POST "+synth.PathDisconnect, s.handleDisconnect)
	s.mux.HandleFunc("GET "+synth.PathSpeechToken, s.handleSpeechToken)
	s.mux.HandleFunc("GET "+synth.PathICEToken, s.handleICEToken)

	s.mux.Handle("GET "+synth.PathEvents, s.hub)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConnect(w http.ResponseWriter, req *http.Request) {
	var body synth.ConnectRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body = connectDefaults(body)

	id := uuid.NewString()
	now := time.Now().UTC()

	s.mu.Lock()
	s.conns[id] = &connection{
		character:  body.Character,
		style:      body.Style,
		background: body.Background,
		createdAt:  now,
		lastActive: now,
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("connection", id).
		Str("character", body.Character).
		Str("style", body.Style).
		Msg("Avatar connected")

	writeJSON(w, http.StatusOK, synth.ConnectResponse{
		ConnectionID: id,
		Character:    body.Character,
		Style:        body.Style,
		Background:   body.Background,
		Status:       "connected",
	})
}

func (s *Server) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body synth.SpeakRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Voice == "" {
		body.Voice = avatar.DefaultVoice
	}

	s.mu.Lock()
	_, ok := s.conns[body.ConnectionID]
	s.mu.Unlock()
	if body.ConnectionID == "" || !ok {
		writeError(w, http.StatusBadRequest, "Invalid connection")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	n, ok := s.startSpeaking(body.ConnectionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid connection")
		return
	}
	s.hub.Broadcast(synth.Event{Type: synth.EventSpeechStarted, ConnectionID: body.ConnectionID, Text: body.Text, Utterance: n})

	if s.cfg.SpeakDelay > 0 {
		select {
		case <-time.After(s.cfg.SpeakDelay):
		case <-req.Context().Done():
			if s.cfg.SimulatedSpeech {
				s.scheduleFinish(body.ConnectionID, n, body.Text)
			}
			return
		}
	}
	if s.cfg.SimulatedSpeech {
		s.scheduleFinish(body.ConnectionID, n, body.Text)
	}

	s.logger.Debug().
		Str("connection", body.ConnectionID).
		Str("voice", body.Voice).
		Int("chars", len(body.Text)).
		Msg("Speaking")

	writeJSON(w, http.StatusOK, synth.SpeakResponse{
		ConnectionID: body.ConnectionID,
		Text:         body.Text,
		Voice:        body.Voice,
		Utterance:    n,
		Status:       "speaking",
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, req *http.Request) {
	var body synth.DisconnectRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	c, ok := s.conns[body.ConnectionID]
	if ok {
		s.dropLocked(body.ConnectionID, c)
	}
	s.mu.Unlock()

	if body.ConnectionID == "" || !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	s.logger.Info().Str("connection", body.ConnectionID).Msg("Avatar disconnected")
	s.hub.Broadcast(synth.Event{Type: synth.EventSessionClosed, ConnectionID: body.ConnectionID, Reason: "disconnected"})
	writeJSON(w, http.StatusOK, synth.StatusResponse{Status: "disconnected"})
}

func (s *Server) handleSpeechToken(w http.ResponseWriter, req *http.Request) {
	token, err := s.issueSpeechToken(req.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Error getting speech token")
		captureError(req, err, "speech token")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, synth.SpeechToken{
		Token:     token,
		Region:    s.cfg.SpeechRegion,
		ExpiresIn: speechTokenTTL,
	})
}

func (s *Server) handleICEToken(w http.ResponseWriter, req *http.Request) {
	token, err := s.issueICEToken(time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Error generating ICE token")
		captureError(req, err, "ice token")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, synth.ICEToken{
		Token: token,
		ICEServers: []synth.ICEServer{{
			URLs:       []string{s.cfg.ICEServer},
			Username:   "",
			Credential: "",
		}},
	})
}

// issueSpeechToken exchanges the subscription key for a short-lived token at
// the regional token endpoint.
func (s *Server) issueSpeechToken(ctx context.Context) (string, error) {
	if s.cfg.SpeechKey == "" {
		return "", errors.New("speech key not configured")
	}
	endpoint := s.cfg.STSEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", s.cfg.SpeechRegion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.SpeechKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

// issueICEToken signs an hour-long HS256 token for the relay servers.
func (s *Server) issueICEToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    "avatar-service",
		Subject:   uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.ICESecret))
	if err != nil {
		return "", fmt.Errorf("sign ice token: %w", err)
	}
	return signed, nil
}

// decodeJSON reads a JSON request body. An empty body decodes to the zero value.
func decodeJSON(req *http.Request, v any) error {
	err := json.NewDecoder(req.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
