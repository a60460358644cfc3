// Package gate implements a silence gate for the upstream audio stream.
//
// The gate starts open and stays open while frames carry speech energy. Once
// the stream has been quiet for longer than the configured silence duration
// the gate closes, and it reopens on the next frame whose energy reaches the
// threshold. The moment of construction counts as the last voiced instant, so
// a fresh gate admits audio for one full silence window before it can close.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mathvox/pkg/audio"
)

const (
	// DefaultThreshold is the normalised RMS energy at or above which a frame
	// counts as speech.
	DefaultThreshold = 0.01

	// DefaultSilenceDuration is how long the stream must stay below the
	// threshold before transmission stops.
	DefaultSilenceDuration = 3 * time.Second
)

// Config holds the gate parameters.
type Config struct {
	Threshold       float64
	SilenceDuration time.Duration
}

// Option configures a [Gate].
type Option func(*Gate)

// WithConfig overrides the threshold and silence duration. Zero fields keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(g *Gate) {
		if cfg.Threshold > 0 {
			g.cfg.Threshold = cfg.Threshold
		}
		if cfg.SilenceDuration > 0 {
			g.cfg.SilenceDuration = cfg.SilenceDuration
		}
	}
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithTransitionHandler registers fn to be called with the new state whenever
// the gate opens or closes. fn is called synchronously from [Gate.Admit].
func WithTransitionHandler(fn func(transmitting bool)) Option {
	return func(g *Gate) { g.onTransition = fn }
}

// Gate decides per frame whether audio is forwarded upstream.
//
// All exported methods are safe for concurrent use.
type Gate struct {
	cfg          Config
	now          func() time.Time
	onTransition func(bool)

	mu           sync.Mutex
	lastVoice    time.Time
	transmitting bool
}

// New creates an open gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		cfg: Config{
			Threshold:       DefaultThreshold,
			SilenceDuration: DefaultSilenceDuration,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.lastVoice = g.now()
	g.transmitting = true
	return g
}

// Admit evaluates frame and reports whether it should be transmitted.
func (g *Gate) Admit(frame audio.AudioFrame) bool {
	return g.AdmitEnergy(audio.RMS(frame.Data))
}

// AdmitEnergy is [Gate.Admit] for a precomputed energy value.
func (g *Gate) AdmitEnergy(energy float64) bool {
	g.mu.Lock()
	now := g.now()
	was := g.transmitting
	if energy >= g.cfg.Threshold {
		g.lastVoice = now
		g.transmitting = true
	} else if now.Sub(g.lastVoice) > g.cfg.SilenceDuration {
		g.transmitting = false
	}
	state := g.transmitting
	silent := now.Sub(g.lastVoice)
	g.mu.Unlock()

	if state != was {
		if state {
			slog.Debug("silence gate opened", "energy", energy)
		} else {
			slog.Debug("silence gate closed", "silent_for", silent)
		}
		if g.onTransition != nil {
			g.onTransition(state)
		}
	}
	return state
}

// Transmitting reports the current gate state.
func (g *Gate) Transmitting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transmitting
}

// Reset reopens the gate and restarts the grace window from now.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastVoice = g.now()
	g.transmitting = true
}

// Config returns the active gate parameters.
func (g *Gate) Config() Config { return g.cfg }
