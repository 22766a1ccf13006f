package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks the unprefixed variables a developer machine may carry.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SPEECH_KEY", "SPEECH_REGION", "ICE_TOKEN_SECRET", "OPENAI_API_KEY", "SENTRY_DSN", "ENVIRONMENT"} {
		t.Setenv(k, "")
	}
}

func TestOpen_WritesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.Equal(t, DefaultConfig(), store.Config())
	assert.Equal(t, dir, store.Dir())
}

func TestOpen_ReadsFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yaml := `
service:
  base_url: http://avatar.internal:9000
  timeout: 5s
avatar:
  character: max
  voice: en-GB-RyanNeural
pacing:
  per_rune: 50ms
  floor: 2s
  ceiling: 20s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	store, err := Open(dir)
	require.NoError(t, err)
	cfg := store.Config()

	assert.Equal(t, "http://avatar.internal:9000", cfg.Service.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Service.Timeout)
	assert.True(t, cfg.Service.Events, "unset keys keep their defaults")
	assert.Equal(t, "max", cfg.Avatar.Character)
	assert.Equal(t, "casual-sitting", cfg.Avatar.Style)

	policy := cfg.Pacing.Policy()
	assert.Equal(t, 50*time.Millisecond, policy.PerRune)
	assert.Equal(t, 2*time.Second, policy.Floor)
	assert.Equal(t, 20*time.Second, policy.Ceiling)

	av := cfg.AvatarSettings()
	assert.Equal(t, "max", av.Character)
	assert.Equal(t, "en-GB-RyanNeural", av.Voice)
	assert.Equal(t, "#FFFFFF", av.BackgroundColor)
}

func TestOpen_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AVATARSPEECH_SERVICE_BASE_URL", "http://override:1")
	t.Setenv("AVATARSPEECH_PACING_FLOOR", "750ms")
	t.Setenv("SPEECH_KEY", "legacy-key")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	store, err := Open(t.TempDir())
	require.NoError(t, err)
	cfg := store.Config()

	assert.Equal(t, "http://override:1", cfg.Service.BaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.Pacing.Floor)
	assert.Equal(t, "legacy-key", cfg.Server.SpeechKey)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestOpen_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AVATARSPEECH_AVATAR_STYLE=graceful-standing\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("AVATARSPEECH_AVATAR_STYLE") })

	store, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "graceful-standing", store.Config().Avatar.Style)
}

func TestStore_Save(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Avatar.Character = "harry"
	cfg.Pacing.Floor = 3 * time.Second
	require.NoError(t, store.Save(cfg))
	assert.Equal(t, "harry", store.Config().Avatar.Character)

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "harry", reopened.Config().Avatar.Character)
	assert.Equal(t, 3*time.Second, reopened.Config().Pacing.Floor)
}

func TestStore_Watch(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	changed := make(chan *Config, 16)
	store.Watch(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	updated := "pacing:\n  floor: 4s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(updated), 0644))

	// A truncating write may surface as more than one event.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Pacing.Floor != 4*time.Second {
				continue
			}
			assert.Equal(t, 4*time.Second, store.Config().Pacing.Floor)
			return
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
