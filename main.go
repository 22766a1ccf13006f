// avatarspeech is a terminal host for a talking avatar: typed prompts are
// answered by a language model and the answer is spoken sentence by sentence.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/normanking/avatarspeech/internal/avatar"
	"github.com/normanking/avatarspeech/internal/bridge"
	"github.com/normanking/avatarspeech/internal/chat"
	"github.com/normanking/avatarspeech/internal/config"
	"github.com/normanking/avatarspeech/internal/logging"
	"github.com/normanking/avatarspeech/internal/synth"
	"github.com/rs/zerolog"
)

const helpText = `Commands:
  /connect     open an avatar session
  /disconnect  close the session and drop queued speech
  /interrupt   stop speaking and drop queued speech
  /flush       speak the unfinished sentence
  /state       show the panel state
  /quit        exit
Anything else is answered by the model (or spoken as-is without an API key).`

func main() {
	store, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := store.Config()

	syslog, err := logging.New(&logging.Config{
		App:        "avatarspeech",
		LogDir:     cfg.Logging.Dir,
		Level:      cfg.Logging.Level,
		MaxHistory: 1000,
		Console:    cfg.Logging.Console,
		Out:        os.Stderr,
	})
	if err != nil {
		// Fallback to standard log if logger fails
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()
	logger := syslog.Component("main")

	logger.Info().
		Str("service", cfg.Service.BaseURL).
		Str("character", cfg.Avatar.Character).
		Str("config", store.Dir()).
		Msg("avatarspeech starting")

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			logger.Warn().Err(err).Msg("Sentry init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(store, syslog, os.Stdout)
	defer app.shutdown()
	app.startup(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(app.out, helpText)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !app.handleLine(ctx, line) {
				return
			}
		}
	}
}

// App holds the host's running components
type App struct {
	store    *config.Store
	syslog   *logging.Logger
	logger   zerolog.Logger
	out      io.Writer
	client   *synth.Client
	panel    *avatar.Panel
	bridge   *bridge.Bridge
	listener *synth.EventListener
	chat     *chat.Host
}

func newApp(store *config.Store, syslog *logging.Logger, out io.Writer) *App {
	cfg := store.Config()
	zlogger := syslog.Zerolog()

	client := synth.NewClient(&synth.ClientConfig{
		BaseURL: cfg.Service.BaseURL,
		Timeout: cfg.Service.Timeout,
	}, zlogger)

	panel := avatar.NewPanel(client, avatar.PanelOptions{
		Avatar: cfg.AvatarSettings(),
		Pacing: cfg.Pacing.Policy(),
		Logger: zlogger,
	})

	a := &App{
		store:  store,
		syslog: syslog,
		logger: syslog.Component("host"),
		out:    out,
		client: client,
		panel:  panel,
	}

	a.bridge = bridge.New(panel.Bus(), bridge.Callbacks{
		OnConnectionChange: func(connected bool) {
			if connected {
				fmt.Fprintf(a.out, "[avatar connected: %s]\n", panel.SessionID())
			} else {
				fmt.Fprintln(a.out, "[avatar disconnected]")
			}
		},
		OnSpeakingChange: func(speaking bool) {
			if speaking {
				fmt.Fprintln(a.out, "[speaking]")
			} else {
				fmt.Fprintln(a.out, "[quiet]")
			}
		},
		OnError: func(msg string) {
			fmt.Fprintf(a.out, "[error: %s]\n", msg)
		},
	}, zlogger)

	if cfg.Service.Events {
		a.listener = synth.NewEventListener(cfg.Service.BaseURL, panel, zlogger)
	}

	if cfg.LLM.APIKey != "" {
		host, err := chat.New(chat.Config{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			Model:        cfg.LLM.Model,
			SystemPrompt: cfg.LLM.SystemPrompt,
			History:      chat.HistoryConfig{MaxExchanges: cfg.LLM.MaxHistory},
		}, panel, zlogger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Chat disabled")
		} else {
			a.chat = host
		}
	}
	return a
}

// startup binds the callbacks, starts background listeners and opens the
// first session.
func (a *App) startup(ctx context.Context) {
	a.bridge.Bind()
	if a.store.Config().Sentry.DSN != "" {
		bridge.NewSentryReporter(nil, a.syslog.Zerolog()).Attach(a.panel.Bus())
	}

	if a.listener != nil {
		a.listener.Start(ctx)
	}

	a.store.Watch(func(cfg *config.Config) {
		a.panel.SetPacing(cfg.Pacing.Policy())
		a.logger.Info().
			Dur("per_rune", cfg.Pacing.PerRune).
			Dur("floor", cfg.Pacing.Floor).
			Msg("Pacing reloaded")
	})

	if err := a.client.Health(ctx); err != nil {
		a.logger.Warn().Err(err).Str("service", a.client.BaseURL()).Msg("Avatar service not reachable")
	}
	a.connect(ctx)
}

// shutdown stops background work and closes the session
func (a *App) shutdown() {
	if a.chat != nil {
		a.chat.Cancel()
	}
	if a.listener != nil {
		a.listener.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.panel.Close(ctx)
	a.logger.Info().Msg("avatarspeech shutdown complete")
}

func (a *App) connect(ctx context.Context) {
	go func() {
		if err := a.panel.Connect(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to connect avatar")
		}
	}()
}

// handleLine runs one line of input. It returns false on /quit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(a.out, helpText)
	case "/connect":
		a.connect(ctx)
	case "/disconnect":
		if a.chat != nil {
			a.chat.Cancel()
		}
		a.panel.Disconnect(ctx)
	case "/interrupt":
		if a.chat != nil {
			a.chat.Cancel()
		} else {
			a.panel.Interrupt()
		}
	case "/flush":
		a.panel.Flush()
	case "/state":
		st := a.panel.State()
		fmt.Fprintf(a.out, "status=%s session=%s speaking=%t busy=%t queued=%d pending=%q\n",
			st.Status, st.SessionID, st.Speaking, st.Busy, st.Queued, st.Pending)
		if st.LastError != "" {
			fmt.Fprintf(a.out, "last error: %s\n", st.LastError)
		}
	default:
		a.say(ctx, line)
	}
	return true
}

// say answers line through the model, or speaks it directly without one.
func (a *App) say(ctx context.Context, line string) {
	if a.chat == nil {
		a.panel.EnqueueText(line)
		a.panel.Flush()
		return
	}
	go func() {
		answer, err := a.chat.Ask(ctx, line)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Msg("Chat request failed")
				fmt.Fprintf(a.out, "[chat error: %v]\n", err)
			}
			return
		}
		fmt.Fprintf(a.out, "> %s\n", answer)
	}()
}
