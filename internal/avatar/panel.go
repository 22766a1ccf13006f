package avatar

import (
	"context"

	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/normanking/avatarspeech/internal/speech"
	"github.com/rs/zerolog"
)

// PanelOptions configures a Panel.
type PanelOptions struct {
	Avatar Config
	Pacing speech.Pacing
	Bus    *bus.EventBus // created when nil
	Logger zerolog.Logger
}

// State is the host-visible state of a panel.
type State struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	LastError string `json:"lastError,omitempty"`
	Speaking  bool   `json:"speaking"`
	Busy      bool   `json:"busy"`
	Queued    int    `json:"queued"`
	Pending   string `json:"pending,omitempty"`
	Spoken    int64  `json:"spoken"`  // units handed to the service
	Dropped   int64  `json:"dropped"` // units cleared by disconnect or interrupt
}

// Panel is the host-facing avatar: one session plus its speech dispatcher.
// The host keeps a reference and calls it directly; subscribe to its bus (or
// attach a bridge.Bridge) for connection, speaking and error changes.
type Panel struct {
	session    *Session
	dispatcher *Dispatcher
	bus        *bus.EventBus
	logger     zerolog.Logger
	cancel     context.CancelFunc
}

// NewPanel wires a session and dispatcher around svc.
func NewPanel(svc Service, opts PanelOptions) *Panel {
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewEventBus(opts.Logger)
	}
	if opts.Pacing == (speech.Pacing{}) {
		opts.Pacing = speech.DefaultPacing()
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(svc, opts.Avatar, eventBus, opts.Logger)
	dispatcher := NewDispatcher(ctx, svc, session, opts.Pacing, eventBus, opts.Logger)

	p := &Panel{
		session:    session,
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     opts.Logger.With().Str("component", "avatar-panel").Logger(),
		cancel:     cancel,
	}
	session.SetStateHandler(p.handleStateChange)
	return p
}

func (p *Panel) handleStateChange(status Status, gen uint64) {
	switch status {
	case StatusConnected:
		p.dispatcher.Advance()
	case StatusDisconnected:
		p.dispatcher.Reset(gen)
	case StatusConnecting, StatusError:
		p.dispatcher.Pause(gen)
	}
}

// Connect opens the avatar session; queued speech starts once it is up.
func (p *Panel) Connect(ctx context.Context) error {
	return p.session.Connect(ctx)
}

// Disconnect closes the session and drops all queued speech.
func (p *Panel) Disconnect(ctx context.Context) {
	p.session.Disconnect(ctx)
}

// EnqueueText feeds a streamed fragment of response text.
func (p *Panel) EnqueueText(fragment string) int {
	return p.dispatcher.EnqueueText(fragment)
}

// Flush speaks whatever partial sentence is left at the end of a response.
func (p *Panel) Flush() bool {
	return p.dispatcher.Flush()
}

// Interrupt cancels the response being spoken.
func (p *Panel) Interrupt() {
	p.dispatcher.Interrupt()
}

// SpeechFinished relays an end-of-speech signal from the service.
func (p *Panel) SpeechFinished(sessionID string, utterance uint64) {
	p.dispatcher.SpeechFinished(sessionID, utterance)
}

// SessionLost relays that the service dropped the session.
func (p *Panel) SessionLost(sessionID, reason string) {
	p.session.Lost(sessionID, reason)
}

// SetPacing swaps the pacing policy, e.g. after a config reload.
func (p *Panel) SetPacing(pacing speech.Pacing) {
	p.dispatcher.SetPacing(pacing)
}

// SessionID returns the id of the connected session, or "".
func (p *Panel) SessionID() string {
	return p.session.Snapshot().ID
}

// Bus returns the event bus the panel publishes on.
func (p *Panel) Bus() *bus.EventBus {
	return p.bus
}

// State returns a snapshot for the host UI.
func (p *Panel) State() State {
	snap := p.session.Snapshot()
	stats := p.dispatcher.Stats()
	return State{
		Status:    snap.Status.String(),
		SessionID: snap.ID,
		LastError: snap.LastError,
		Speaking:  p.dispatcher.Speaking(),
		Busy:      p.dispatcher.Busy(),
		Queued:    p.dispatcher.Queued(),
		Pending:   p.dispatcher.Pending(),
		Spoken:    stats.TotalDequeued,
		Dropped:   stats.TotalDropped,
	}
}

// Close disconnects and releases the panel. It is the unmount path.
func (p *Panel) Close(ctx context.Context) {
	p.session.Close(ctx)
	p.dispatcher.Close()
	p.cancel()
	p.logger.Debug().Msg("Avatar panel closed")
}
