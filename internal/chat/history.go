// Package chat streams language model answers into a speaking avatar.
package chat

import (
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Exchange represents a user-assistant conversation turn.
type Exchange struct {
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	Timestamp     time.Time `json:"timestamp"`
}

// HistoryConfig configures the History behavior.
type HistoryConfig struct {
	// MaxExchanges is the maximum number of exchanges to retain (default: 10)
	MaxExchanges int
	// InactivityTimeout is the duration after which context expires (default: 5 minutes)
	InactivityTimeout time.Duration
}

// DefaultHistoryConfig returns sensible defaults for conversation history.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxExchanges:      10,
		InactivityTimeout: 5 * time.Minute,
	}
}

// History keeps the recent exchanges sent back to the model as context.
type History struct {
	mu           sync.RWMutex
	exchanges    []Exchange
	lastActivity time.Time
	config       HistoryConfig
	now          func() time.Time
}

// NewHistory creates a History with the given config.
func NewHistory(config HistoryConfig) *History {
	def := DefaultHistoryConfig()
	if config.MaxExchanges <= 0 {
		config.MaxExchanges = def.MaxExchanges
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = def.InactivityTimeout
	}

	return &History{
		exchanges:    make([]Exchange, 0, config.MaxExchanges),
		lastActivity: time.Now(),
		config:       config,
		now:          time.Now,
	}
}

// Add records a user/assistant exchange pair, trimming the oldest exchanges
// beyond MaxExchanges.
func (h *History) Add(userText, assistantText string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Auto-expire if inactive
	if h.isExpiredLocked() {
		h.clearLocked()
	}

	now := h.now()
	h.exchanges = append(h.exchanges, Exchange{
		UserText:      userText,
		AssistantText: assistantText,
		Timestamp:     now,
	})
	h.lastActivity = now

	if len(h.exchanges) > h.config.MaxExchanges {
		h.exchanges = h.exchanges[len(h.exchanges)-h.config.MaxExchanges:]
	}
}

// Messages builds the request messages for prompt: the system prompt (when
// set), the retained exchanges and then prompt itself.
func (h *History) Messages(systemPrompt, prompt string) []openai.ChatCompletionMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msgs := make([]openai.ChatCompletionMessage, 0, 2*len(h.exchanges)+2)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	if !h.isExpiredLocked() {
		for _, ex := range h.exchanges {
			msgs = append(msgs,
				openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.UserText},
				openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.AssistantText},
			)
		}
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}

// Len returns the number of stored exchanges.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.exchanges)
}

// Exchanges returns a copy of the live exchanges.
func (h *History) Exchanges() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.isExpiredLocked() {
		return nil
	}
	result := make([]Exchange, len(h.exchanges))
	copy(result, h.exchanges)
	return result
}

// Clear removes all conversation history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
}

// IsExpired checks if the conversation has expired due to inactivity.
func (h *History) IsExpired() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isExpiredLocked()
}

// Touch keeps the context alive without adding an exchange.
func (h *History) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = h.now()
}

// caller must hold h.mu
func (h *History) clearLocked() {
	h.exchanges = make([]Exchange, 0, h.config.MaxExchanges)
}

// caller must hold h.mu
func (h *History) isExpiredLocked() bool {
	if len(h.exchanges) == 0 {
		return false
	}
	return h.now().Sub(h.lastActivity) > h.config.InactivityTimeout
}
