// Package transcript turns the stream of transcription events into complete
// user utterances.
//
// The [Accumulator] collects final results until the service marks the end
// of speech, or until no further final result has arrived for the
// finalization timeout. Each utterance is emitted exactly once. Interim
// results only update the display text.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
)

// DefaultTimeout is how long the accumulator waits after the last final
// result before it finalizes the utterance on its own.
const DefaultTimeout = 3 * time.Second

// State is the accumulator lifecycle state.
type State int

const (
	// Idle means no utterance is open.
	Idle State = iota
	// Accumulating means at least one final result is buffered.
	Accumulating
	// Finalizing is the transient state while an utterance is being emitted.
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Trigger records what finalized an utterance.
type Trigger string

const (
	TriggerSpeechFinal Trigger = "speech_final"
	TriggerTimeout     Trigger = "timeout"
	TriggerFlush       Trigger = "flush"
)

// Utterance is one complete user turn.
type Utterance struct {
	Text        string
	StartedAt   time.Time
	FinalizedAt time.Time
	Trigger     Trigger
}

// Corrector rewrites utterance text before it is emitted.
type Corrector interface {
	Correct(text string) string
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithTimeout sets the finalization timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Accumulator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCorrector applies c to every utterance before emission.
func WithCorrector(c Corrector) Option {
	return func(a *Accumulator) { a.corrector = c }
}

// WithPartialHandler registers fn to receive the display text (accumulated
// finals plus the latest interim) whenever it changes.
func WithPartialHandler(fn func(string)) Option {
	return func(a *Accumulator) { a.onPartial = fn }
}

// WithClock replaces the wall clock used for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// WithMetrics records finalized utterances on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Accumulator) { a.metrics = m }
}

// Accumulator is the utterance state machine.
//
// All exported methods are safe for concurrent use. The emit callback and the
// partial handler must not call back into the Accumulator.
type Accumulator struct {
	emit      func(Utterance)
	timeout   time.Duration
	corrector Corrector
	onPartial func(string)
	now       func() time.Time
	metrics   *observe.Metrics

	mu        sync.Mutex
	state     State
	parts     []string
	partial   string
	startedAt time.Time
	gen       uint64
	timer     *time.Timer
	closed    bool

	// emitMu is taken before mu is released so utterances are delivered in
	// the order they were finalized.
	emitMu sync.Mutex
}

// New creates an idle Accumulator that hands finished utterances to emit.
func New(emit func(Utterance), opts ...Option) *Accumulator {
	a := &Accumulator{
		emit:    emit,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Handle feeds one transcription event into the state machine.
func (a *Accumulator) Handle(ev stt.Transcription) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	if !ev.IsFinal {
		a.partial = joinParts(append(a.parts[:len(a.parts):len(a.parts)], strings.TrimSpace(ev.Text)))
		partial := a.partial
		a.mu.Unlock()
		a.notifyPartial(partial)
		return
	}

	if text := strings.TrimSpace(ev.Text); text != "" {
		if a.state == Idle {
			a.state = Accumulating
			a.startedAt = a.now()
		}
		a.parts = append(a.parts, text)
	}
	a.partial = joinParts(a.parts)
	partial := a.partial

	if a.state == Idle {
		// An empty final with nothing buffered, e.g. a late end-of-speech
		// marker for an utterance that already timed out.
		a.mu.Unlock()
		return
	}

	if ev.IsSpeechFinal {
		a.finalizeAndUnlock(TriggerSpeechFinal)
		return
	}

	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.timeout, func() { a.expire(gen) })
	a.mu.Unlock()
	a.notifyPartial(partial)
}

// Flush finalizes the open utterance immediately, if any.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	if a.closed || a.state != Accumulating {
		a.mu.Unlock()
		return
	}
	a.finalizeAndUnlock(TriggerFlush)
}

// Partial returns the current display text.
func (a *Accumulator) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial
}

// State returns the current state.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close stops the finalization timer and discards any open utterance.
// Subsequent events are ignored.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.parts = nil
	a.partial = ""
	a.state = Idle
}

func (a *Accumulator) expire(gen uint64) {
	a.mu.Lock()
	if a.closed || gen != a.gen || a.state != Accumulating {
		a.mu.Unlock()
		return
	}
	a.finalizeAndUnlock(TriggerTimeout)
}

// finalizeAndUnlock must be called with mu held. It resets the state machine
// to Idle, releases mu and delivers the utterance.
func (a *Accumulator) finalizeAndUnlock(trigger Trigger) {
	a.state = Finalizing
	text := joinParts(a.parts)
	startedAt := a.startedAt

	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.parts = nil
	a.partial = ""
	a.state = Idle

	a.emitMu.Lock()
	a.mu.Unlock()
	defer a.emitMu.Unlock()

	// The live transcript line is cleared before the utterance is delivered.
	a.notifyPartial("")
	if text == "" {
		return
	}
	if a.corrector != nil {
		text = a.corrector.Correct(text)
	}
	u := Utterance{
		Text:        text,
		StartedAt:   startedAt,
		FinalizedAt: a.now(),
		Trigger:     trigger,
	}
	a.metrics.RecordUtterance(context.Background(), string(trigger))
	slog.Debug("utterance finalized", "trigger", trigger, "chars", len(text))
	a.emit(u)
}

func (a *Accumulator) notifyPartial(text string) {
	if a.onPartial != nil {
		a.onPartial(text)
	}
}

func joinParts(parts []string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
