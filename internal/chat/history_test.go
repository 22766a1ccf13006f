package chat

import (
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHistory_InvalidConfig(t *testing.T) {
	// Zero values should be replaced with defaults
	h := NewHistory(HistoryConfig{})

	assert.Equal(t, 10, h.config.MaxExchanges)
	assert.Equal(t, 5*time.Minute, h.config.InactivityTimeout)
	assert.Equal(t, 0, h.Len())
}

func TestHistory_AddTrimsOldExchanges(t *testing.T) {
	h := NewHistory(HistoryConfig{MaxExchanges: 2})

	h.Add("First", "Response 1")
	h.Add("Second", "Response 2")
	h.Add("Third", "Response 3")

	ex := h.Exchanges()
	require.Len(t, ex, 2)
	assert.Equal(t, "Second", ex[0].UserText)
	assert.Equal(t, "Response 3", ex[1].AssistantText)
}

func TestHistory_Messages(t *testing.T) {
	h := NewHistory(DefaultHistoryConfig())
	h.Add("Hello", "Hi there!")

	msgs := h.Messages("Be brief.", "How are you?")
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "Be brief.", msgs[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hi there!", msgs[2].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[3].Role)
	assert.Equal(t, "How are you?", msgs[3].Content)

	// No system prompt
	msgs = NewHistory(DefaultHistoryConfig()).Messages("", "Hi")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi", msgs[0].Content)
}

func TestHistory_Expiry(t *testing.T) {
	now := time.Now()
	h := NewHistory(HistoryConfig{InactivityTimeout: time.Minute})
	h.now = func() time.Time { return now }

	h.Add("Old question", "Old answer")
	assert.False(t, h.IsExpired())

	now = now.Add(2 * time.Minute)
	assert.True(t, h.IsExpired())
	assert.Nil(t, h.Exchanges())
	assert.Len(t, h.Messages("", "New question"), 1)

	// Adding after expiry starts over
	h.Add("New question", "New answer")
	require.Len(t, h.Exchanges(), 1)
	assert.Equal(t, "New question", h.Exchanges()[0].UserText)
}

func TestHistory_TouchKeepsContextAlive(t *testing.T) {
	now := time.Now()
	h := NewHistory(HistoryConfig{InactivityTimeout: time.Minute})
	h.now = func() time.Time { return now }

	h.Add("Question", "Answer")
	now = now.Add(50 * time.Second)
	h.Touch()
	now = now.Add(50 * time.Second)
	assert.False(t, h.IsExpired())

	h.Clear()
	assert.Equal(t, 0, h.Len())
}
