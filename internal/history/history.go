// Package history forwards completed conversation turns to a storage
// collaborator.
//
// Saving is fire-and-forget: a turn never waits for its record to be stored
// and a failed save is logged, not retried. [Async] wraps any [Sink] with
// that behaviour.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mathvox/internal/observe"
)

// DefaultSaveTimeout bounds a single background save.
const DefaultSaveTimeout = 10 * time.Second

// Record is one exchange between the student and the tutor.
type Record struct {
	SessionID   string
	UserID      string
	UserMessage string
	BotMessage  string

	// MessageIDs lists the audio segment ids synthesised for BotMessage, in
	// playback order. They are what a later replay asks for.
	MessageIDs []string

	Timestamp time.Time
}

// Sink stores records.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, rec Record) error

// Save implements [Sink].
func (f SinkFunc) Save(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Discard is a [Sink] that drops every record.
var Discard Sink = SinkFunc(func(context.Context, Record) error { return nil })

// AsyncOption configures an [Async] sink.
type AsyncOption func(*Async)

// WithTimeout bounds each background save.
func WithTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMetrics records save outcomes on m.
func WithMetrics(m *observe.Metrics) AsyncOption {
	return func(a *Async) { a.metrics = m }
}

// WithErrorHandler registers fn to be called with every failed save, after
// it has been logged.
func WithErrorHandler(fn func(Record, error)) AsyncOption {
	return func(a *Async) { a.onError = fn }
}

// Async runs saves on background goroutines.
type Async struct {
	sink    Sink
	timeout time.Duration
	metrics *observe.Metrics
	onError func(Record, error)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync wraps sink.
func NewAsync(sink Sink, opts ...AsyncOption) *Async {
	a := &Async{sink: sink, timeout: DefaultSaveTimeout}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Submit starts saving rec and returns immediately. Records submitted after
// Close are dropped.
func (a *Async) Submit(rec Record) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		slog.Warn("history: dropping record after close", "session_id", rec.SessionID)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		err := a.save(ctx, rec)
		a.metrics.RecordHistorySave(ctx, err)
		if err != nil {
			slog.Error("history: save failed", "session_id", rec.SessionID, "err", err)
			if a.onError != nil {
				a.onError(rec, err)
			}
			return
		}
		slog.Debug("history: record saved", "session_id", rec.SessionID, "segments", len(rec.MessageIDs))
	}()
}

func (a *Async) save(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("history: sink panicked: %v", r)
		}
	}()
	return a.sink.Save(ctx, rec)
}

// Close stops accepting records and waits for in-flight saves or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history: close: %w", ctx.Err())
	}
}
