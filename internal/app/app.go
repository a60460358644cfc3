// Package app wires all mathvox subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates all subsystems from
// the config, Run executes the session and the optional diagnostics server,
// and Shutdown drains and tears everything down in order.
//
// For testing, inject fakes via functional options (WithRegistry,
// WithCaptureDevice, WithPlayer, WithDialer). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/faiface/beep"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/config"
	"github.com/MrWong99/mathvox/internal/health"
	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/internal/resilience"
	"github.com/MrWong99/mathvox/internal/session"
	"github.com/MrWong99/mathvox/internal/transport"
	"github.com/MrWong99/mathvox/internal/tutor"
	"github.com/MrWong99/mathvox/pkg/audio/capture"
	"github.com/MrWong99/mathvox/pkg/audio/gate"
	"github.com/MrWong99/mathvox/pkg/audio/playback"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// App owns all subsystem lifetimes of one mathvox client.
type App struct {
	cfg *config.Config

	// Injected or defaulted in New.
	reg            *config.Registry
	device         capture.Device
	player         playback.Player
	dialer         transport.Dialer
	httpClient     *http.Client
	observer       session.Observer
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	tokens    auth.TokenSource
	client    *tutor.Client
	speech    *resilience.TTSFallback
	channel   *transport.Channel
	capture   *capture.Capture
	sequencer *playback.Sequencer
	sink      history.Sink
	history   *history.Async
	vocab     *liveVocabulary
	session   *session.Session

	health   *health.Handler
	diagLn   net.Listener
	diagAddr string

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithCaptureDevice replaces the PortAudio microphone.
func WithCaptureDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithPlayer replaces the speaker output.
func WithPlayer(p playback.Player) Option {
	return func(a *App) { a.player = p }
}

// WithDialer replaces the WebSocket dialer of the transcription channel.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithHTTPClient sets the HTTP client used for the tutor services.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithObserver registers the UI callbacks of the session.
func WithObserver(o session.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics. Default: the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.Reload] change the log level at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is started:
// the microphone opens and the transcription channel connects in [App.Run].
// On error everything created so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if err := a.init(ctx); err != nil {
		if closeErr := a.Shutdown(context.WithoutCancel(ctx)); closeErr != nil {
			slog.Warn("cleanup after failed init", "err", closeErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if err := a.initTutor(); err != nil {
		return err
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		registerBuiltins(a.reg, builtins{
			ctx:        ctx,
			client:     a.client,
			tokens:     a.tokens,
			sampleRate: a.cfg.Audio.SampleRate,
		})
	}
	if err := a.initSpeech(); err != nil {
		return err
	}
	if err := a.initHistory(); err != nil {
		return err
	}
	if err := a.initTranscription(); err != nil {
		return err
	}
	a.initAudio()
	if err := a.initSession(); err != nil {
		return err
	}
	return a.initDiagnostics()
}

// initTutor creates the chat/API client shared by chat, replay, login and
// the tutor-backed providers.
func (a *App) initTutor() error {
	a.tokens = tokenSource(a.cfg.Tutor)
	opts := []tutor.Option{
		tutor.WithTokenSource(a.tokens),
		tutor.WithUserID(a.cfg.Tutor.UserID),
		tutor.WithRegion(a.cfg.Tutor.Region),
		tutor.WithRequestTimeout(a.cfg.Tutor.RequestTimeout),
		tutor.WithMetrics(a.metrics),
	}
	if a.httpClient != nil {
		opts = append(opts, tutor.WithHTTPClient(a.httpClient))
	}
	client, err := tutor.New(a.cfg.Tutor.ChatURL, a.cfg.Tutor.APIURL, opts...)
	if err != nil {
		return fmt.Errorf("app: create tutor client: %w", err)
	}
	a.client = client
	return nil
}

// initSpeech builds the TTS fallback chain: the primary provider guarded by
// a circuit breaker, then each fallback in config order.
func (a *App) initSpeech() error {
	tc := a.cfg.TTS
	primary, err := a.reg.CreateTTS(tc.Primary)
	if err != nil {
		return fmt.Errorf("app: create tts %q: %w", tc.Primary.Name, err)
	}
	a.speech = resilience.NewTTSFallback(primary, tc.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  tc.CircuitBreaker.MaxFailures,
			ResetTimeout: tc.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  tc.CircuitBreaker.HalfOpenMax,
		},
	}).WithMetrics(a.metrics)

	for _, entry := range tc.Fallbacks {
		p, err := a.reg.CreateTTS(entry)
		if err != nil {
			return fmt.Errorf("app: create tts fallback %q: %w", entry.Name, err)
		}
		a.speech.AddFallback(entry.Name, p)
	}
	slog.Info("tts ready", "primary", tc.Primary.Name, "fallbacks", len(tc.Fallbacks))
	return nil
}

// initHistory creates the conversation store behind an asynchronous
// submitter so saving never delays a turn.
func (a *App) initHistory() error {
	sink, err := a.reg.CreateHistory(a.cfg.History)
	if err != nil {
		return fmt.Errorf("app: create history %q: %w", a.cfg.History.Name, err)
	}
	a.sink = sink
	if c, ok := sink.(interface{ Close() }); ok {
		a.closers = append(a.closers, func(context.Context) error {
			c.Close()
			return nil
		})
	}

	a.history = history.NewAsync(sink,
		history.WithTimeout(a.cfg.History.SaveTimeout),
		history.WithMetrics(a.metrics),
		history.WithErrorHandler(func(rec history.Record, err error) {
			slog.Warn("conversation not saved", "session_id", rec.SessionID, "err", err)
		}),
	)
	// Drain before the sink closes.
	a.closers = append([]func(context.Context) error{a.history.Close}, a.closers...)
	return nil
}

// initTranscription resolves the streaming endpoint and creates the channel.
// Connecting is deferred to the session.
func (a *App) initTranscription() error {
	if a.cfg.Audio.Disabled {
		return nil
	}
	tc := a.cfg.Transcription
	ep, err := a.reg.CreateTranscription(tc)
	if err != nil {
		return fmt.Errorf("app: create transcription %q: %w", tc.Name, err)
	}
	dialer := a.dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{Authorization: ep.Authorization}
	}
	a.channel = transport.New(dialer, ep.Codec, ep.URL,
		transport.WithMaxReconnectAttempts(tc.MaxReconnectAttempts),
		transport.WithBackoff(tc.ReconnectBackoff),
		transport.WithMetrics(a.metrics),
		transport.WithStateHandler(func(st transport.Status) {
			slog.Debug("transcription connection", "status", st.String())
		}),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.channel.Close() })
	return nil
}

// initAudio creates the microphone pipeline and the speaker output.
func (a *App) initAudio() {
	ac := a.cfg.Audio
	if !ac.Disabled {
		device := a.device
		if device == nil {
			device = capture.PortAudioDevice{}
		}
		a.capture = capture.New(device, capture.WithConfig(capture.Config{
			SampleRate:       ac.SampleRate,
			DeviceSampleRate: ac.DeviceSampleRate,
			Channels:         ac.Channels,
			FrameSize:        ac.FrameSize,
		}))
		a.closers = append(a.closers, func(context.Context) error {
			a.capture.Stop()
			return nil
		})
	}

	player := a.player
	if player == nil {
		player = playback.NewSpeakerPlayer(beep.SampleRate(ac.PlaybackRate))
	}
	a.sequencer = playback.NewSequencer(player, playback.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error { return a.sequencer.Close() })
}

func (a *App) initSession() error {
	a.vocab = newLiveVocabulary(a.cfg.Transcription.Vocabulary)

	cfg := session.Config{
		UserID:            a.cfg.Tutor.UserID,
		Chat:              a.client,
		TTS:               a.speech,
		Playback:          a.sequencer,
		Fetcher:           a.client,
		History:           a.history,
		UtteranceTimeout:  a.cfg.Transcription.UtteranceTimeout,
		Corrector:         a.vocab,
		MinSentenceLength: a.cfg.TTS.MinSentenceLength,
		Observer:          a.observer,
		Metrics:           a.metrics,
	}
	// Assign only live components so absent ones stay nil interfaces.
	if a.capture != nil && a.channel != nil {
		cfg.Capture = a.capture
		cfg.Gate = gate.New(
			gate.WithConfig(gate.Config{
				Threshold:       a.cfg.Audio.Gate.Threshold,
				SilenceDuration: a.cfg.Audio.Gate.SilenceDuration,
			}),
			gate.WithTransitionHandler(func(transmitting bool) {
				a.metrics.RecordGateTransition(context.Background(), transmitting)
			}),
		)
		cfg.Transport = a.channel
	}

	s, err := session.New(cfg)
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}
	a.session = s
	return nil
}

// ─── Run / Shutdown ─────────────────────────────────────────────────────────

// Session returns the conversation driven by the app, for typed input and
// replay.
func (a *App) Session() *session.Session { return a.session }

// TTS returns the speech fallback chain.
func (a *App) TTS() tts.Provider { return a.speech }

// Run starts the session and, when configured, the diagnostics server. It
// blocks until ctx is cancelled or the session ends; a session ending with
// [auth.ErrUnauthorized] is returned so the caller can ask for a login.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.diagLn != nil {
		g.Go(func() error { return a.serveDiagnostics(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		if err := a.session.Run(gctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Shutdown drains pending history saves and closes every subsystem in
// order. It is safe to call more than once; later calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Reload applies the hot-reloadable part of a config change: the log level
// and the transcription vocabulary. Other changes are logged and take effect
// after a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.vocab.Set(d.NewVocabulary)
		slog.Info("vocabulary reloaded", "terms", len(d.NewVocabulary))
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}
}
