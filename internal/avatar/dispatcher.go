package avatar

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/normanking/avatarspeech/internal/bus"
	"github.com/normanking/avatarspeech/internal/speech"
	"github.com/rs/zerolog"
)

// flight is one dispatched unit, from submit until its nominal completion.
type flight struct {
	seq        uint64
	generation uint64
	sessionID  string
	unit       speech.Unit

	acked      bool        // service accepted the submit
	utterance  uint64      // number the service gave the submit, set on ack
	suppressed bool        // interrupted while the submit was outstanding
	finished   bool        // an end-of-speech arrived before the ack
	finishedAs uint64      // utterance number of that early end-of-speech
	timer      *time.Timer // pacing timer, armed on ack
}

// Dispatcher drains the utterance queue into the session, one unit at a time.
// A unit is in flight from the moment it is submitted until its pacing
// interval ends (or the service says speech finished); nothing else is
// submitted meanwhile.
type Dispatcher struct {
	ctx     context.Context
	svc     Service
	session *Session
	bus     *bus.EventBus
	logger  zerolog.Logger

	mu        sync.Mutex
	queue     *speech.Queue
	segmenter speech.Segmenter
	pacing    speech.Pacing
	flight    *flight
	speaking  bool
	seq       uint64
	closed    bool
}

// NewDispatcher creates a dispatcher bound to session. ctx bounds every
// submit call the dispatcher makes.
func NewDispatcher(
	ctx context.Context,
	svc Service,
	session *Session,
	pacing speech.Pacing,
	eventBus *bus.EventBus,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		svc:     svc,
		session: session,
		bus:     eventBus,
		logger:  logger.With().Str("component", "speech-dispatcher").Logger(),
		queue:   speech.NewQueue(),
		pacing:  pacing,
	}
}

// SetPacing replaces the pacing policy. The unit already in flight keeps its
// timer.
func (d *Dispatcher) SetPacing(p speech.Pacing) {
	d.mu.Lock()
	d.pacing = p
	d.mu.Unlock()
}

// EnqueueText segments a streamed fragment, queues the completed units and
// tries to dispatch. Text after the last terminator is held until a later
// fragment completes it or Flush is called. It returns the number of units
// queued.
func (d *Dispatcher) EnqueueText(fragment string) int {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	units := d.segmenter.Push(fragment)
	d.queue.Enqueue(units...)
	if len(units) > 0 {
		d.bus.Post(bus.Event{Type: bus.EventTypeUnitQueued, Data: map[string]any{
			"count":  len(units),
			"queued": d.queue.Len(),
		}})
	}
	next := d.startLocked()
	d.mu.Unlock()

	d.bus.Flush()
	d.launch(next)
	return len(units)
}

// Flush queues the pending partial sentence as a final unit. Use it at the
// end of a response stream.
func (d *Dispatcher) Flush() bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	u, ok := d.segmenter.Flush()
	if ok {
		d.queue.Enqueue(u)
		d.bus.Post(bus.Event{Type: bus.EventTypeUnitQueued, Data: map[string]any{
			"count":  1,
			"queued": d.queue.Len(),
			"flush":  true,
		}})
	}
	next := d.startLocked()
	d.mu.Unlock()

	d.bus.Flush()
	d.launch(next)
	return ok
}

// Advance dispatches the next unit if nothing is in flight and the session is
// connected. It is safe to call at any time and from any goroutine.
func (d *Dispatcher) Advance() {
	d.mu.Lock()
	next := d.startLocked()
	d.mu.Unlock()

	d.bus.Flush()
	d.launch(next)
}

// Interrupt drops all queued speech and stops the current utterance. A submit
// that is still outstanding keeps the dispatcher busy until it resolves, but
// its result is discarded and speaking is reported false right away.
func (d *Dispatcher) Interrupt() {
	d.mu.Lock()
	dropped := d.queue.Clear()
	d.segmenter.Reset()
	if f := d.flight; f != nil {
		if f.acked {
			f.timer.Stop()
			d.flight = nil
		} else {
			f.suppressed = true
		}
	}
	d.setSpeakingLocked(false)
	d.bus.Post(bus.Event{Type: bus.EventTypeInterrupted, Data: map[string]any{
		"dropped": dropped,
	}})
	d.mu.Unlock()

	d.bus.Flush()
	d.logger.Debug().Int("dropped", dropped).Msg("Speech interrupted")
}

// SpeechFinished completes the current unit early when the service reports
// end of speech for utterance on sessionID. A signal for an earlier utterance
// that arrives after pacing already moved on is ignored. The pacing timer is
// the fallback when no such signal arrives.
func (d *Dispatcher) SpeechFinished(sessionID string, utterance uint64) {
	d.mu.Lock()
	f := d.flight
	if f == nil || f.sessionID != sessionID {
		d.mu.Unlock()
		return
	}
	if !f.acked {
		// The utterance number is only known once the submit returns.
		f.finished = true
		f.finishedAs = utterance
		d.mu.Unlock()
		return
	}
	if f.utterance != utterance {
		d.mu.Unlock()
		d.logger.Debug().
			Uint64("utterance", utterance).
			Uint64("current", f.utterance).
			Msg("Ignoring end of speech for another utterance")
		return
	}
	d.mu.Unlock()

	d.complete(f)
}

// Reset clears all queued and pending speech after the session generation gen
// ended. When a later generation has already started, the queue belongs to it
// and is kept; a unit dispatched under a later generation is left alone.
func (d *Dispatcher) Reset(gen uint64) {
	d.mu.Lock()
	if d.session.Snapshot().Generation <= gen {
		d.queue.Clear()
		d.segmenter.Reset()
	}
	d.releaseLocked(gen)
	d.mu.Unlock()

	d.bus.Flush()
}

// Pause releases the in-flight slot of a session that went away without a
// disconnect. Queued units stay queued for the next session.
func (d *Dispatcher) Pause(gen uint64) {
	d.mu.Lock()
	d.releaseLocked(gen)
	d.mu.Unlock()

	d.bus.Flush()
}

// Close stops the dispatcher for good.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.queue.Clear()
	d.segmenter.Reset()
	if f := d.flight; f != nil && f.timer != nil {
		f.timer.Stop()
	}
	d.flight = nil
	d.setSpeakingLocked(false)
	d.mu.Unlock()

	d.bus.Flush()
}

// Busy reports whether a unit is in flight.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flight != nil
}

// Speaking reports whether the avatar is currently saying a unit.
func (d *Dispatcher) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Queued returns the number of units waiting for dispatch.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Pending returns the partial sentence waiting for a terminator.
func (d *Dispatcher) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segmenter.Pending()
}

// Stats returns the queue counters.
func (d *Dispatcher) Stats() speech.QueueStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Stats()
}

// startLocked dequeues the next unit and marks it in flight. It returns nil
// when something is already in flight, the session is not connected or the
// queue is empty.
func (d *Dispatcher) startLocked() *flight {
	if d.closed || d.flight != nil || d.queue.Len() == 0 {
		return nil
	}
	snap := d.session.Snapshot()
	if snap.Status != StatusConnected {
		return nil
	}
	u, _ := d.queue.Next()

	d.seq++
	f := &flight{
		seq:        d.seq,
		generation: snap.Generation,
		sessionID:  snap.ID,
		unit:       u,
	}
	d.flight = f
	d.setSpeakingLocked(true)
	d.bus.Post(bus.Event{Type: bus.EventTypeUnitSubmitted, Data: map[string]any{
		"seq":       f.seq,
		"sessionId": f.sessionID,
		"text":      u.Text,
		"queued":    d.queue.Len(),
	}})
	return f
}

func (d *Dispatcher) launch(f *flight) {
	if f != nil {
		go d.submit(f)
	}
}

// submit performs the external call for f and applies its result.
func (d *Dispatcher) submit(f *flight) {
	voice := d.session.Config().Voice
	d.logger.Debug().
		Uint64("seq", f.seq).
		Str("session", f.sessionID).
		Str("text", truncate(f.unit.Text, 50)).
		Msg("Submitting utterance")

	utterance, err := d.svc.SubmitUtterance(d.ctx, f.sessionID, f.unit.Text, voice)

	d.mu.Lock()
	if d.flight != f || !d.session.isCurrent(f.generation) {
		d.mu.Unlock()
		d.logger.Debug().Uint64("seq", f.seq).Msg("Discarding stale submit result")
		return
	}

	var next *flight
	switch {
	case f.suppressed:
		d.flight = nil
		next = d.startLocked()

	case err != nil:
		serr := &SubmitError{SessionID: f.sessionID, Text: f.unit.Text, Err: err}
		d.flight = nil
		d.setSpeakingLocked(false)
		d.bus.Post(bus.Event{Type: bus.EventTypeUnitDropped, Data: map[string]any{
			"seq":  f.seq,
			"text": f.unit.Text,
		}})
		d.bus.Post(bus.Event{Type: bus.EventTypeError, Data: map[string]any{
			"kind":  "submit",
			"error": serr.Error(),
		}})
		d.logger.Error().Err(err).Uint64("seq", f.seq).Msg("Utterance rejected, dropping unit")
		next = d.startLocked()

	case f.finished && f.finishedAs == utterance:
		f.acked = true
		f.utterance = utterance
		d.flight = nil
		d.setSpeakingLocked(false)
		next = d.startLocked()

	default:
		f.acked = true
		f.utterance = utterance
		pace := d.pacing.Duration(f.unit.Text)
		f.timer = time.AfterFunc(pace, func() { d.complete(f) })
	}
	d.mu.Unlock()

	d.bus.Flush()
	d.launch(next)
}

// complete ends f's pacing interval and moves on to the next unit.
func (d *Dispatcher) complete(f *flight) {
	d.mu.Lock()
	if d.flight != f {
		d.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	d.flight = nil
	d.setSpeakingLocked(false)
	next := d.startLocked()
	d.mu.Unlock()

	d.bus.Flush()
	d.launch(next)
}

// releaseLocked frees the in-flight slot if it belongs to generation gen or
// an older one.
func (d *Dispatcher) releaseLocked(gen uint64) {
	f := d.flight
	if f == nil || f.generation > gen {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	d.flight = nil
	d.setSpeakingLocked(false)
}

func (d *Dispatcher) setSpeakingLocked(speaking bool) {
	if d.speaking == speaking {
		return
	}
	d.speaking = speaking
	eventType := bus.EventTypeSpeakingStopped
	if speaking {
		eventType = bus.EventTypeSpeakingStarted
	}
	d.bus.Post(bus.Event{Type: eventType, Data: map[string]any{"speaking": speaking}})
}

// truncate shortens a string to maxLen runes for logging
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
