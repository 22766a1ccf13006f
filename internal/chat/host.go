package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("chat: API key is required")

// Speaker receives the streamed answer. *avatar.Panel satisfies it.
type Speaker interface {
	EnqueueText(fragment string) int
	Flush() bool
	Interrupt()
}

// Config configures the chat host
type Config struct {
	APIKey       string
	BaseURL      string // empty = api.openai.com
	Model        string
	SystemPrompt string
	MaxTokens    int
	History      HistoryConfig
}

// Host sends prompts to a chat completion endpoint and speaks the answers as
// they stream in.
type Host struct {
	client  *openai.Client
	cfg     Config
	history *History
	speaker Speaker
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	turn   uint64
}

// New creates a chat host speaking through speaker.
func New(cfg Config, speaker Speaker, logger zerolog.Logger) (*Host, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &Host{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		history: NewHistory(cfg.History),
		speaker: speaker,
		logger:  logger.With().Str("component", "chat").Logger(),
	}, nil
}

// History returns the conversation history.
func (h *Host) History() *History {
	return h.history
}

// Ask streams the answer to prompt into the speaker and returns the full
// text. A newer Ask or Cancel ends the stream early; the partial answer is
// returned with context.Canceled and is not added to the history. A newer Ask
// also interrupts what the superseded answer had queued; the superseded
// answer reaches the speaker no more after that.
func (h *Host) Ask(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil
	}

	ctx, turn := h.begin(ctx)
	defer h.end(turn)

	req := openai.ChatCompletionRequest{
		Model:     h.cfg.Model,
		Messages:  h.history.Messages(h.cfg.SystemPrompt, prompt),
		MaxTokens: h.cfg.MaxTokens,
		Stream:    true,
	}

	stream, err := h.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create completion stream: %w", err)
	}
	defer stream.Close()

	var answer strings.Builder
	units := 0
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return answer.String(), ctx.Err()
			}
			// Speak whatever arrived before the stream broke.
			h.flush(turn)
			return answer.String(), fmt.Errorf("receive completion: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			answer.WriteString(delta)
			n, ok := h.enqueue(turn, delta)
			if !ok {
				return answer.String(), context.Canceled
			}
			units += n
		}
	}
	flushed, ok := h.flush(turn)
	if !ok {
		return answer.String(), context.Canceled
	}
	if flushed {
		units++
	}

	text := answer.String()
	h.history.Add(prompt, text)
	h.logger.Debug().
		Str("model", h.cfg.Model).
		Int("chars", len(text)).
		Int("units", units).
		Msg("Answer streamed")
	return text, nil
}

// Cancel stops the answer being streamed, if any, and interrupts speech.
func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.turn++
	h.speaker.Interrupt()
}

// begin supersedes any running answer and returns the context for a new one.
// Speaker calls happen under h.mu so the interrupt cannot race a stale
// fragment of the superseded answer.
func (h *Host) begin(parent context.Context) (context.Context, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.speaker.Interrupt()
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.turn++
	return ctx, h.turn
}

// enqueue hands delta to the speaker while turn is current.
func (h *Host) enqueue(turn uint64, delta string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turn != turn {
		return 0, false
	}
	return h.speaker.EnqueueText(delta), true
}

// flush speaks the buffered tail while turn is current.
func (h *Host) flush(turn uint64) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turn != turn {
		return false, false
	}
	return h.speaker.Flush(), true
}

func (h *Host) end(turn uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turn == turn && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}
