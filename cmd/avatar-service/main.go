// avatar-service runs the reference avatar synthesis service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/normanking/avatarspeech/internal/config"
	"github.com/normanking/avatarspeech/internal/logging"
	"github.com/normanking/avatarspeech/internal/server"
	"github.com/spf13/cobra"
)

var (
	configDir   string
	addr        string
	logLevel    string
	idleTimeout time.Duration
	realSpeech  bool
)

var rootCmd = &cobra.Command{
	Use:   "avatar-service",
	Short: "Reference avatar synthesis service",
	Long: `avatar-service serves the avatar connect/speak/disconnect API, issues
speech and ICE tokens, and streams speech events on /api/avatar/events.

Configuration is read from ~/.avatarspeech/config.yaml (or --config), .env
files and AVATARSPEECH_* variables. SPEECH_KEY, SPEECH_REGION,
ICE_TOKEN_SECRET and SENTRY_DSN are honoured as well.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configDir, "config", "c", "", "configuration directory (default ~/.avatarspeech)")
	flags.StringVarP(&addr, "addr", "a", "", "listen address (overrides server.addr)")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
	flags.DurationVar(&idleTimeout, "idle-timeout", 0, "close connections idle this long (overrides server.idle_timeout)")
	flags.BoolVar(&realSpeech, "no-simulated-speech", false, "do not announce simulated speech.finished events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		store *config.Store
		err   error
	)
	if configDir != "" {
		store, err = config.Open(configDir)
	} else {
		store, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	cfg := store.Config()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("idle-timeout") {
		cfg.Server.IdleTimeout = idleTimeout
	}
	if realSpeech {
		cfg.Server.SimulatedSpeech = false
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	syslog, err := logging.New(&logging.Config{
		App:        "avatar-service",
		LogDir:     cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		MaxHistory: 1000,
		Console:    cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer syslog.Close()
	logger := syslog.Component("main")

	// Initialize Sentry for error monitoring
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Sentry.Environment,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Sentry init failed")
		} else {
			logger.Info().Str("environment", cfg.Sentry.Environment).Msg("Sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	s := server.New(server.Config{
		SpeechKey:       cfg.Server.SpeechKey,
		SpeechRegion:    cfg.Server.SpeechRegion,
		ICESecret:       cfg.Server.ICESecret,
		SimulatedSpeech: cfg.Server.SimulatedSpeech,
		SpeakDelay:      cfg.Server.SpeakDelay,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Pacing:          cfg.Pacing.Policy(),
	}, syslog.Zerolog())
	defer s.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go s.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("region", cfg.Server.SpeechRegion).
			Bool("simulated_speech", cfg.Server.SimulatedSpeech).
			Msg("Avatar service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
