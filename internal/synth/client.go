package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/rs/zerolog"
)

// ClientConfig configures the synthesis client
type ClientConfig struct {
	BaseURL string        // e.g., "http://localhost:8765"
	Timeout time.Duration // HTTP request timeout
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:8765",
		Timeout: 30 * time.Second,
	}
}

// Client is the HTTP collaborator behind an avatar panel. It implements
// avatar.Service.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ avatar.Service = (*Client)(nil)

// NewClient creates a new synthesis client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	conf := *cfg
	conf.BaseURL = strings.TrimSuffix(conf.BaseURL, "/")

	return &Client{
		config: &conf,
		httpClient: &http.Client{
			Timeout: conf.Timeout,
		},
		logger: logger.With().Str("component", "synth-client").Logger(),
	}
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// OpenSession opens a connection for cfg and returns its id.
func (c *Client) OpenSession(ctx context.Context, cfg avatar.Config) (string, error) {
	var resp ConnectResponse
	err := c.do(ctx, http.MethodPost, PathConnect, ConnectRequest{
		Character:  cfg.Character,
		Style:      cfg.Style,
		Background: cfg.BackgroundColor,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	if resp.ConnectionID == "" {
		return "", fmt.Errorf("open session: response carried no connection id")
	}

	c.logger.Debug().
		Str("connection", resp.ConnectionID).
		Str("character", resp.Character).
		Msg("Connection opened")
	return resp.ConnectionID, nil
}

// SubmitUtterance asks the avatar on sessionID to say text and returns the
// utterance number the service assigned to it.
func (c *Client) SubmitUtterance(ctx context.Context, sessionID, text, voice string) (uint64, error) {
	var resp SpeakResponse
	err := c.do(ctx, http.MethodPost, PathSpeak, SpeakRequest{
		ConnectionID: sessionID,
		Text:         text,
		Voice:        voice,
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("submit utterance: %w", err)
	}
	return resp.Utterance, nil
}

// CloseSession closes sessionID on the service.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodPost, PathDisconnect, DisconnectRequest{ConnectionID: sessionID}, &resp); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// SpeechToken fetches a short-lived speech SDK token.
func (c *Client) SpeechToken(ctx context.Context) (*SpeechToken, error) {
	var tok SpeechToken
	if err := c.do(ctx, http.MethodGet, PathSpeechToken, nil, &tok); err != nil {
		return nil, fmt.Errorf("speech token: %w", err)
	}
	return &tok, nil
}

// ICEToken fetches the WebRTC relay configuration.
func (c *Client) ICEToken(ctx context.Context) (*ICEToken, error) {
	var tok ICEToken
	if err := c.do(ctx, http.MethodGet, PathICEToken, nil, &tok); err != nil {
		return nil, fmt.Errorf("ice token: %w", err)
	}
	return &tok, nil
}

// Health checks that the service is up
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, PathHealth, nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// do sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil). Other statuses become *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			serr.Message = er.Error
		} else {
			serr.Message = strings.TrimSpace(truncateForLog(string(respBody), 200))
		}
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("error", serr.Message).
			Msg("Synthesis service request failed")
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// truncateForLog cuts s to maxLen runes
func truncateForLog(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
