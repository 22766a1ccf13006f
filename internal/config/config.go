// Package config provides configuration management for the avatar speech tools
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/normanking/avatarspeech/internal/speech"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AVATARSPEECH_SERVICE_BASE_URL.
const EnvPrefix = "AVATARSPEECH"

// Config holds all application configuration
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Avatar  AvatarConfig  `mapstructure:"avatar"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sentry  SentryConfig  `mapstructure:"sentry"`
}

// ServiceConfig points the panel at a synthesis service
type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Events  bool          `mapstructure:"events"` // follow the speech event stream
}

// AvatarConfig selects the avatar and its voice
type AvatarConfig struct {
	Character  string `mapstructure:"character"`
	Style      string `mapstructure:"style"`
	Background string `mapstructure:"background"`
	Voice      string `mapstructure:"voice"`
}

// PacingConfig models how long a unit takes to say
type PacingConfig struct {
	PerRune time.Duration `mapstructure:"per_rune"`
	Floor   time.Duration `mapstructure:"floor"`
	Ceiling time.Duration `mapstructure:"ceiling"` // 0 = uncapped
}

// ServerConfig configures the reference synthesis service
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	SpeechKey       string        `mapstructure:"speech_key"`
	SpeechRegion    string        `mapstructure:"speech_region"`
	ICESecret       string        `mapstructure:"ice_secret"`
	SimulatedSpeech bool          `mapstructure:"simulated_speech"`
	SpeakDelay      time.Duration `mapstructure:"speak_delay"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"` // 0 = never expire
}

// LLMConfig configures the chat host
type LLMConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"` // empty = api.openai.com
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxHistory   int    `mapstructure:"max_history"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// SentryConfig configures error reporting
type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	av := avatar.DefaultConfig()
	pacing := speech.DefaultPacing()
	return &Config{
		Service: ServiceConfig{
			BaseURL: "http://localhost:8765",
			Timeout: 30 * time.Second,
			Events:  true,
		},
		Avatar: AvatarConfig{
			Character:  av.Character,
			Style:      av.Style,
			Background: av.BackgroundColor,
			Voice:      av.Voice,
		},
		Pacing: PacingConfig{
			PerRune: pacing.PerRune,
			Floor:   pacing.Floor,
			Ceiling: pacing.Ceiling,
		},
		Server: ServerConfig{
			Addr:            ":8765",
			SpeechRegion:    "westus2",
			ICESecret:       "avatar-service-secret",
			SimulatedSpeech: true,
			SpeakDelay:      100 * time.Millisecond,
		},
		LLM: LLMConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a friendly assistant speaking through a video avatar. Answer in short, natural sentences.",
			MaxHistory:   20,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Sentry: SentryConfig{
			Environment: "development",
		},
	}
}

// AvatarSettings converts the avatar section into a session config.
func (c *Config) AvatarSettings() avatar.Config {
	return avatar.Config{
		Character:       c.Avatar.Character,
		Style:           c.Avatar.Style,
		BackgroundColor: c.Avatar.Background,
		Voice:           c.Avatar.Voice,
	}.WithDefaults()
}

// Policy converts the pacing section into a pacing policy.
func (p PacingConfig) Policy() speech.Pacing {
	return speech.Pacing{PerRune: p.PerRune, Floor: p.Floor, Ceiling: p.Ceiling}
}

// Store is a loaded configuration backed by a viper instance.
type Store struct {
	v   *viper.Viper
	dir string

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration from ~/.avatarspeech, the working directory and
// the environment.
func Load() (*Store, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return Open(dir)
}

// Open reads config.yaml from dir (and the working directory), applying .env
// files and AVATARSPEECH_* overrides. A missing config file is written with
// the defaults.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := loadDotEnv(filepath.Join(dir, ".env"), ".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	for key, value := range flatten(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	s := &Store{v: v, dir: dir}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and create one
		if err := v.SafeWriteConfigAs(filepath.Join(dir, "config.yaml")); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Config returns the current configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Dir returns the configuration directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes cfg to config.yaml in the configuration directory and reloads.
func (s *Store) Save(cfg *Config) error {
	w := viper.New()
	for key, value := range flatten(cfg) {
		w.Set(key, value)
	}
	path := filepath.Join(s.dir, "config.yaml")
	if err := w.WriteConfigAs(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	reloaded, err := s.decode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = reloaded
	s.mu.Unlock()
	return nil
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes on disk.
func (s *Store) Watch(fn func(*Config)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.decode()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		fn(cfg)
	})
	s.v.WatchConfig()
}

func (s *Store) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarspeech"), nil
}

// loadDotEnv applies the .env files that exist. Variables already set in the
// environment win.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// bindLegacyEnv accepts the variable names the hosted service is deployed
// with alongside the prefixed ones.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("server.speech_key", EnvPrefix+"_SERVER_SPEECH_KEY", "SPEECH_KEY")
	_ = v.BindEnv("server.speech_region", EnvPrefix+"_SERVER_SPEECH_REGION", "SPEECH_REGION")
	_ = v.BindEnv("server.ice_secret", EnvPrefix+"_SERVER_ICE_SECRET", "ICE_TOKEN_SECRET")
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("sentry.dsn", EnvPrefix+"_SENTRY_DSN", "SENTRY_DSN")
	_ = v.BindEnv("sentry.environment", EnvPrefix+"_SENTRY_ENVIRONMENT", "ENVIRONMENT")
}

// flatten lists every config key with its value. Durations are written as
// strings so the YAML stays readable.
func flatten(c *Config) map[string]any {
	return map[string]any{
		"service.base_url": c.Service.BaseURL,
		"service.timeout":  c.Service.Timeout.String(),
		"service.events":   c.Service.Events,

		"avatar.character":  c.Avatar.Character,
		"avatar.style":      c.Avatar.Style,
		"avatar.background": c.Avatar.Background,
		"avatar.voice":      c.Avatar.Voice,

		"pacing.per_rune": c.Pacing.PerRune.String(),
		"pacing.floor":    c.Pacing.Floor.String(),
		"pacing.ceiling":  c.Pacing.Ceiling.String(),

		"server.addr":             c.Server.Addr,
		"server.speech_key":       c.Server.SpeechKey,
		"server.speech_region":    c.Server.SpeechRegion,
		"server.ice_secret":       c.Server.ICESecret,
		"server.simulated_speech": c.Server.SimulatedSpeech,
		"server.speak_delay":      c.Server.SpeakDelay.String(),
		"server.idle_timeout":     c.Server.IdleTimeout.String(),

		"llm.api_key":       c.LLM.APIKey,
		"llm.base_url":      c.LLM.BaseURL,
		"llm.model":         c.LLM.Model,
		"llm.system_prompt": c.LLM.SystemPrompt,
		"llm.max_history":   c.LLM.MaxHistory,

		"logging.level":   c.Logging.Level,
		"logging.dir":     c.Logging.Dir,
		"logging.console": c.Logging.Console,

		"sentry.dsn":         c.Sentry.DSN,
		"sentry.environment": c.Sentry.Environment,
	}
}
