// Package session owns one tutoring conversation: the microphone pipeline,
// the transcription connection, the turn loop and playback.
//
// A [Session] is built from injected collaborators and is the only owner of
// their lifecycle. Voice and typed turns are serialised on a single
// goroutine, so at most one answer is being requested, spoken or replayed
// at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/internal/transcript"
	"github.com/MrWong99/mathvox/internal/tutor"
	"github.com/MrWong99/mathvox/pkg/audio"
	"github.com/MrWong99/mathvox/pkg/audio/playback"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// DefaultMinSentenceLength is the shortest trimmed sentence that is spoken.
const DefaultMinSentenceLength = 4

var (
	// ErrAlreadyRunning is returned by [Session.Run] on a second call.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrNotRunning is returned when submitting to a session whose Run has
	// not started or has returned.
	ErrNotRunning = errors.New("session: not running")
)

// Capturer produces microphone frames. Implemented by *capture.Capture.
type Capturer interface {
	Start(ctx context.Context) (<-chan audio.AudioFrame, error)
	Stop()
	Pause()
	Resume()
	Err() error
}

// Gate decides which frames are sent. Implemented by *gate.Gate.
type Gate interface {
	Admit(frame audio.AudioFrame) bool
}

// Transport streams frames out and transcription events in. Implemented by
// *transport.Channel.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Events() <-chan stt.Transcription
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Chatter talks to the chat service. Implemented by *tutor.Client.
type Chatter interface {
	NewSession(ctx context.Context) (string, error)
	Chat(ctx context.Context, req tutor.ChatRequest) (io.ReadCloser, error)
}

// Player queues synthesised audio. Implemented by *playback.Sequencer.
type Player interface {
	EnqueueData(id string, position int, data []byte) error
	WaitIdle(ctx context.Context) error
	Replay(ctx context.Context, messageIDs []string, f playback.Fetcher) error
	Close() error
}

// Recorder receives finished turns. Implemented by *history.Async.
type Recorder interface {
	Submit(rec history.Record)
}

// Config holds the collaborators of a [Session].
type Config struct {
	// UserID is attached to synthesis requests and history records.
	UserID string

	// Capture and Gate feed the microphone into Transport. A nil Capture
	// disables voice input; typed input keeps working.
	Capture Capturer
	Gate    Gate

	// Transport delivers transcription events. Nil disables voice input.
	Transport Transport

	// Chat is required.
	Chat Chatter

	// TTS synthesises answer sentences. Nil answers in text only.
	TTS tts.Provider

	// Playback is required.
	Playback Player

	// Fetcher loads stored audio for [Session.Replay].
	Fetcher playback.Fetcher

	// History records finished turns. Nil drops them.
	History Recorder

	// UtteranceTimeout and Corrector configure the transcript accumulator.
	UtteranceTimeout time.Duration
	Corrector        transcript.Corrector

	// MinSentenceLength defaults to [DefaultMinSentenceLength].
	MinSentenceLength int

	// Observer receives UI events.
	Observer Observer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now replaces the wall clock, mainly for tests.
	Now func() time.Time
}

// Session is one conversation with the tutor.
type Session struct {
	cfg    Config
	obs    Observer
	acc    *transcript.Accumulator
	speech atomic.Bool

	turns    chan turnRequest
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	mu sync.Mutex
	id string
}

type turnKind int

const (
	turnMessage turnKind = iota
	turnReplay
)

type turnRequest struct {
	kind       turnKind
	text       string
	image      *tutor.Image
	messageIDs []string
	result     chan error
}

// New validates cfg and returns a session that is not yet running.
func New(cfg Config) (*Session, error) {
	if cfg.Chat == nil {
		return nil, errors.New("session: chat collaborator is required")
	}
	if cfg.Playback == nil {
		return nil, errors.New("session: playback is required")
	}
	if cfg.Capture != nil && cfg.Gate == nil {
		return nil, errors.New("session: capture needs a gate")
	}
	if cfg.MinSentenceLength <= 0 {
		cfg.MinSentenceLength = DefaultMinSentenceLength
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.History == nil {
		cfg.History = discardRecorder{}
	}

	s := &Session{
		cfg:   cfg,
		obs:   cfg.Observer,
		turns: make(chan turnRequest),
		stop:  make(chan struct{}),
	}
	s.speech.Store(cfg.TTS != nil)

	opts := []transcript.Option{
		transcript.WithPartialHandler(s.obs.partial),
		transcript.WithMetrics(cfg.Metrics),
		transcript.WithClock(cfg.Now),
	}
	if cfg.UtteranceTimeout > 0 {
		opts = append(opts, transcript.WithTimeout(cfg.UtteranceTimeout))
	}
	if cfg.Corrector != nil {
		opts = append(opts, transcript.WithCorrector(cfg.Corrector))
	}
	s.acc = transcript.New(s.onUtterance, opts...)
	return s, nil
}

// ID returns the chat session id, or "" before [Session.Run] obtained one.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetSpeech turns spoken answers on or off. Answers are always shown as
// text. Without a TTS provider speech stays off.
func (s *Session) SetSpeech(enabled bool) {
	s.speech.Store(enabled && s.cfg.TTS != nil)
}

// Speech reports whether answers are spoken.
func (s *Session) Speech() bool { return s.speech.Load() }

// Run opens the chat session, starts voice input and serves turns until ctx
// is cancelled. A microphone failure disables voice input and exhausted
// reconnects disable live transcription; both are reported to the observer
// and Run continues with typed input. Rejected credentials end Run with an
// error wrapping [auth.ErrUnauthorized]. Run closes every collaborator
// before it returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.shutdown()

	id, err := s.cfg.Chat.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	slog.Info("session started", "session_id", id, "user_id", s.cfg.UserID)

	g, gctx := errgroup.WithContext(ctx)
	// Release emitters blocked on the turn loop as soon as it stops.
	stopRelease := context.AfterFunc(gctx, s.closeStop)
	defer stopRelease()
	s.startVoice(gctx, g)
	g.Go(func() error { return s.turnLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("session ended", "session_id", id, "err", err)
	return err
}

// startVoice connects the transcription service and the microphone. Failures
// are reported and leave the session running without voice input.
func (s *Session) startVoice(ctx context.Context, g *errgroup.Group) {
	if s.cfg.Transport == nil {
		return
	}
	if err := s.cfg.Transport.Connect(ctx); err != nil {
		s.obs.error(fmt.Errorf("session: live transcription unavailable: %w", err))
		return
	}
	g.Go(func() error { return s.watchTransport(ctx) })
	g.Go(func() error { return s.pumpEvents(ctx) })

	if s.cfg.Capture == nil {
		return
	}
	frames, err := s.cfg.Capture.Start(ctx)
	if err != nil {
		slog.Warn("session: audio input disabled", "err", err)
		s.obs.error(fmt.Errorf("session: audio input disabled: %w", err))
		return
	}
	g.Go(func() error {
		s.pumpFrames(ctx, frames)
		return nil
	})
}

func (s *Session) closeStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) shutdown() {
	s.closeStop()
	s.acc.Close()
	if s.cfg.Capture != nil {
		s.cfg.Capture.Stop()
	}
	if s.cfg.Transport != nil {
		_ = s.cfg.Transport.Close()
	}
	_ = s.cfg.Playback.Close()
}

// pumpFrames sends every admitted frame until the capture ends.
func (s *Session) pumpFrames(ctx context.Context, frames <-chan audio.AudioFrame) {
	for {
		var (
			frame audio.AudioFrame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-frames:
		}
		if !ok {
			break
		}
		if !s.cfg.Gate.Admit(frame) {
			continue
		}
		if err := s.cfg.Transport.Send(ctx, frame.Data); err != nil {
			slog.Debug("session: frame not sent", "seq", frame.Seq, "err", err)
		}
	}
	if ctx.Err() != nil {
		return
	}
	err := s.cfg.Capture.Err()
	if err == nil {
		err = errors.New("capture stopped")
	}
	slog.Warn("session: audio input disabled", "err", err)
	s.obs.error(fmt.Errorf("session: audio input disabled: %w", err))
}

// pumpEvents feeds transcription events into the accumulator in arrival
// order.
func (s *Session) pumpEvents(ctx context.Context) error {
	events := s.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.acc.Handle(ev)
		}
	}
}

// watchTransport ends the session when the transcription service rejects
// the credentials. Exhausted reconnects only disable voice input.
func (s *Session) watchTransport(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.cfg.Transport.Done():
	}
	err := s.cfg.Transport.Err()
	switch {
	case err == nil:
		return nil
	case isUnauthorized(err):
		return fmt.Errorf("session: transcription: %w", err)
	default:
		slog.Warn("session: live transcription disabled", "err", err)
		s.obs.error(fmt.Errorf("session: live transcription disabled: %w", err))
		return nil
	}
}

// onUtterance is the accumulator's emit callback. It blocks until the turn
// loop takes the utterance or the session stops.
func (s *Session) onUtterance(u transcript.Utterance) {
	req := turnRequest{kind: turnMessage, text: u.Text, result: make(chan error, 1)}
	select {
	case s.turns <- req:
	case <-s.stop:
		slog.Debug("session: utterance dropped after shutdown", "text", u.Text)
	}
}

// SubmitText sends a typed message and waits until its answer has been
// shown and spoken.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	return s.submit(ctx, turnRequest{kind: turnMessage, text: text})
}

// SubmitImage sends a message with an attached picture.
func (s *Session) SubmitImage(ctx context.Context, text string, img tutor.Image) error {
	return s.submit(ctx, turnRequest{kind: turnMessage, text: text, image: &img})
}

// Replay plays the stored audio of earlier answers, in order, once the
// current turn is done.
func (s *Session) Replay(ctx context.Context, messageIDs []string) error {
	if s.cfg.Fetcher == nil {
		return errors.New("session: replay: no audio fetcher configured")
	}
	return s.submit(ctx, turnRequest{kind: turnReplay, messageIDs: messageIDs})
}

func (s *Session) submit(ctx context.Context, req turnRequest) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	req.result = make(chan error, 1)
	select {
	case s.turns <- req:
	case <-s.stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// turnLoop runs one turn at a time. Rejected credentials end the session;
// any other turn failure is reported and the loop continues.
func (s *Session) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.turns:
			var err error
			switch req.kind {
			case turnReplay:
				err = s.replay(ctx, req.messageIDs)
			default:
				err = s.answer(ctx, req)
			}
			req.result <- err
			if err == nil {
				continue
			}
			if isUnauthorized(err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("session: turn failed", "err", err)
			s.obs.error(err)
		}
	}
}

func (s *Session) replay(ctx context.Context, messageIDs []string) (err error) {
	ctx, span := observe.StartSpan(ctx, "session.replay")
	defer func() { observe.EndSpan(span, err) }()

	s.pauseCapture()
	defer s.resumeCapture()

	if err := s.cfg.Playback.Replay(ctx, messageIDs, s.cfg.Fetcher); err != nil {
		return fmt.Errorf("session: replay: %w", err)
	}
	return nil
}

func (s *Session) pauseCapture() {
	if s.cfg.Capture != nil {
		s.cfg.Capture.Pause()
	}
}

func (s *Session) resumeCapture() {
	if s.cfg.Capture != nil {
		s.cfg.Capture.Resume()
	}
}

type discardRecorder struct{}

func (discardRecorder) Submit(history.Record) {}
