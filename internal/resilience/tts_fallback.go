package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Rejected credentials, empty text and a cancelled context end the call
// immediately: another backend would not do better.
type TTSFallback struct {
	group   *FallbackGroup[namedTTS]
	metrics *observe.Metrics
}

type namedTTS struct {
	name string
	tts.Provider
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	terminal := cfg.Terminal
	cfg.Terminal = func(err error) bool {
		return isTerminalTTS(err) || (terminal != nil && terminal(err))
	}
	return &TTSFallback{
		group:   NewFallbackGroup(namedTTS{primaryName, primary}, primaryName, cfg),
		metrics: observe.DefaultMetrics(),
	}
}

// WithMetrics records per-backend request outcomes on m.
func (f *TTSFallback) WithMetrics(m *observe.Metrics) *TTSFallback {
	f.metrics = m
	return f
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, namedTTS{name, provider})
}

// Synthesize returns audio from the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p namedTTS) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		data, err := p.Synthesize(ctx, req)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		status := "ok"
		if err != nil {
			status = "error"
			f.metrics.RecordProviderError(ctx, p.name, "tts")
		}
		f.metrics.RecordProviderRequest(ctx, p.name, "tts", status)
		return data, err
	})
}

// Healthy reports whether any backend currently accepts calls.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// States reports the breaker state of every backend by name.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// errCallerDone marks failures caused by the caller's context rather than
// the backend.
var errCallerDone = errors.New("tts: caller context done")

func isTerminalTTS(err error) bool {
	return errors.Is(err, auth.ErrUnauthorized) ||
		errors.Is(err, tts.ErrEmptyText) ||
		errors.Is(err, errCallerDone)
}
