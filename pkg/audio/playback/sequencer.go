package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/mathvox/internal/observe"
)

// ErrBusy is returned by [Sequencer.Replay] while audio is playing.
var ErrBusy = errors.New("playback: sequencer is busy")

// ErrClosed is returned after [Sequencer.Close].
var ErrClosed = errors.New("playback: sequencer closed")

// Segment outcomes recorded on [observe.Metrics.RecordSegment].
const (
	SegmentPlayed  = "played"
	SegmentFailed  = "failed"
	SegmentSkipped = "skipped"
)

// Fetcher loads the stored audio payloads of one answer. A nil entry marks
// a payload that could not be loaded.
type Fetcher interface {
	Fetch(ctx context.Context, messageID string) ([][]byte, error)
}

// FetcherFunc adapts a function to [Fetcher].
type FetcherFunc func(ctx context.Context, messageID string) ([][]byte, error)

// Fetch implements [Fetcher].
func (f FetcherFunc) Fetch(ctx context.Context, messageID string) ([][]byte, error) {
	return f(ctx, messageID)
}

// Option configures a [Sequencer].
type Option func(*Sequencer)

// WithMetrics records segment outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithDecoder replaces [Decode], mainly for tests.
func WithDecoder(fn func(id string, data []byte) (*Segment, error)) Option {
	return func(s *Sequencer) { s.decode = fn }
}

// Sequencer plays segments strictly in order. It owns the single playing
// flag: while it is set, either the dispatch goroutine or a replay is
// producing audio, and nothing else may start.
type Sequencer struct {
	player  Player
	metrics *observe.Metrics
	decode  func(id string, data []byte) (*Segment, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*Segment
	playing bool
	idle    chan struct{} // closed while not playing
	onIdle  []func()
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSequencer starts a sequencer that renders through player.
func NewSequencer(player Player, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		player: player,
		decode: Decode,
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	close(s.idle)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Enqueue appends seg to the queue. Playback starts right away unless audio
// is already playing.
func (s *Sequencer) Enqueue(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		seg.close()
		return ErrClosed
	}
	s.queue = append(s.queue, seg)
	if !s.playing {
		s.acquireLocked()
		s.wake()
	}
	return nil
}

// EnqueueData decodes data and enqueues the result. A payload that cannot
// be decoded is logged and skipped; the returned error is the *[DecodeError].
func (s *Sequencer) EnqueueData(id string, position int, data []byte) error {
	seg, err := s.decode(id, data)
	if err != nil {
		slog.Warn("playback: skipping segment", "id", id, "err", err)
		s.metrics.RecordSegment(context.Background(), SegmentSkipped)
		return err
	}
	seg.Position = position
	return s.Enqueue(seg)
}

// Replay plays the stored audio of each message in order. It returns
// [ErrBusy] if audio is already playing. Segments whose fetch or decode
// fails are skipped. Segments enqueued during a replay start once it is
// done.
func (s *Sequencer) Replay(ctx context.Context, messageIDs []string, f Fetcher) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.playing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.acquireLocked()
	s.mu.Unlock()

	defer s.release()

	ctx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	for _, id := range messageIDs {
		payloads, err := f.Fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("playback: replay fetch failed", "message_id", id, "err", err)
			s.metrics.RecordSegment(ctx, SegmentSkipped)
			continue
		}
		for i, data := range payloads {
			segID := fmt.Sprintf("%s_%d", id, i)
			if data == nil {
				slog.Debug("playback: replay payload missing", "id", segID)
				s.metrics.RecordSegment(ctx, SegmentSkipped)
				continue
			}
			seg, err := s.decode(segID, data)
			if err != nil {
				slog.Warn("playback: replay decode failed", "id", segID, "err", err)
				s.metrics.RecordSegment(ctx, SegmentSkipped)
				continue
			}
			seg.Position = i
			s.play(ctx, seg)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// Playing reports whether audio is currently playing or queued.
func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// WaitIdle blocks until nothing is playing or queued.
func (s *Sequencer) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnIdle registers fn to run every time playback drains. Handlers run on the
// sequencer's goroutine and must not block.
func (s *Sequencer) OnIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = append(s.onIdle, fn)
}

// Close stops playback, drops the queue and releases idle waiters. Close is
// idempotent.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, seg := range s.queue {
		seg.close()
	}
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	if s.playing {
		s.playing = false
		close(s.idle)
	}
	s.mu.Unlock()
	return nil
}

// acquireLocked sets the playing flag. Must be called with mu held.
func (s *Sequencer) acquireLocked() {
	s.playing = true
	s.idle = make(chan struct{})
}

// release hands the playing flag to the dispatch goroutine when segments
// were queued meanwhile, or clears it.
func (s *Sequencer) release() {
	s.mu.Lock()
	if len(s.queue) > 0 && !s.closed {
		s.wake()
		s.mu.Unlock()
		return
	}
	handlers := s.clearLocked()
	s.mu.Unlock()
	runHandlers(handlers)
}

// clearLocked drops the playing flag and returns the idle handlers to run.
// Must be called with mu held.
func (s *Sequencer) clearLocked() []func() {
	if !s.playing {
		return nil
	}
	s.playing = false
	close(s.idle)
	return append([]func(){}, s.onIdle...)
}

func (s *Sequencer) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch drains the queue whenever it is woken. The waker has already set
// the playing flag on its behalf.
func (s *Sequencer) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			seg, ok := s.next()
			if !ok {
				break
			}
			s.play(s.ctx, seg)
			if s.ctx.Err() != nil {
				return
			}
		}
	}
}

// next pops the queue head. When the queue is empty it clears the playing
// flag and runs the idle handlers.
func (s *Sequencer) next() (*Segment, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	if len(s.queue) > 0 {
		seg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return seg, true
	}
	handlers := s.clearLocked()
	s.mu.Unlock()
	runHandlers(handlers)
	return nil, false
}

func (s *Sequencer) play(ctx context.Context, seg *Segment) {
	defer seg.close()
	if err := s.player.Play(ctx, seg); err != nil {
		if ctx.Err() == nil {
			slog.Warn("playback: segment failed", "id", seg.ID, "err", err)
			s.metrics.RecordSegment(ctx, SegmentFailed)
		}
		return
	}
	s.metrics.RecordSegment(ctx, SegmentPlayed)
}

func runHandlers(handlers []func()) {
	for _, fn := range handlers {
		fn()
	}
}

// mergeCancel returns a context derived from ctx that is also cancelled when
// other is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
