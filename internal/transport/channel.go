// Package transport carries captured audio to the transcription service and
// brings transcription events back.
//
// A [Channel] owns one logical connection. It dials through a [Dialer],
// decodes inbound messages with an [stt.Codec] and reconnects after a drop
// with a fixed backoff, at most MaxReconnectAttempts times in a row. A
// successful dial resets the attempt counter. Once the attempts are
// exhausted the channel stays closed until [Channel.Reset].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/observe"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBackoff              = 5 * time.Second

	defaultEventBuffer  = 64
	defaultWriteTimeout = 5 * time.Second
)

var (
	// ErrNotOpen is returned by [Channel.Send] while no connection is open.
	// Callers drop the frame; it is never fatal.
	ErrNotOpen = errors.New("transport: channel not open")

	// ErrExhausted is reported by [Channel.Err] after the last reconnect
	// attempt failed.
	ErrExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrClosed is returned when connecting a channel after [Channel.Close].
	ErrClosed = errors.New("transport: channel closed")
)

// Option configures a [Channel].
type Option func(*Channel)

// WithMaxReconnectAttempts sets how many consecutive reconnects are tried
// after a drop. Zero disables reconnection.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the fixed wait before each reconnect.
func WithBackoff(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithStateHandler registers fn to be called on every status change. Handlers
// run synchronously on the goroutine that changed the state and must not
// block.
func WithStateHandler(fn func(Status)) Option {
	return func(c *Channel) {
		c.handlers = append(c.handlers, fn)
	}
}

// WithMetrics records reconnects and parse errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// Channel is a reconnecting message channel to the transcription service.
//
// All exported methods are safe for concurrent use.
type Channel struct {
	dialer      Dialer
	codec       stt.Codec
	url         string
	maxAttempts int
	backoff     time.Duration
	handlers    []func(Status)
	metrics     *observe.Metrics

	events chan stt.Transcription

	mu        sync.Mutex
	status    Status
	conn      Conn
	err       error
	running   bool
	closed    bool
	runCancel context.CancelFunc
	runDone   chan struct{}

	writeMu   sync.Mutex
	lastWrite atomic.Int64

	closeOnce sync.Once
}

// New creates a closed Channel. Call [Channel.Connect] to start it.
func New(dialer Dialer, codec stt.Codec, url string, opts ...Option) *Channel {
	c := &Channel{
		dialer:      dialer,
		codec:       codec,
		url:         url,
		maxAttempts: DefaultMaxReconnectAttempts,
		backoff:     DefaultBackoff,
		events:      make(chan stt.Transcription, defaultEventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect starts the connection loop in the background and returns
// immediately. Progress is reported through state handlers and
// [Channel.Status]. Connecting a running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}
	c.startLocked(ctx)
	return nil
}

// Reset restarts a channel that gave up reconnecting, beginning again at
// attempt zero. Resetting a running channel is a no-op.
func (c *Channel) Reset(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Channel) startLocked(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.err = nil
	c.runCancel = cancel
	c.runDone = done
	go c.run(runCtx, done)
}

// Send writes one binary audio message. It returns [ErrNotOpen] unless the
// channel is open.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.status.State == Open
	c.mu.Unlock()

	if conn == nil || !open {
		return ErrNotOpen
	}
	if err := c.write(ctx, conn, Binary, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Events returns transcription events in arrival order. The channel is
// closed by [Channel.Close]; it survives reconnects and [Channel.Reset].
func (c *Channel) Events() <-chan stt.Transcription { return c.events }

// OnStateChange registers fn like [WithStateHandler] on a constructed
// channel.
func (c *Channel) OnStateChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers[:len(c.handlers):len(c.handlers)], fn)
}

// Done returns a channel that is closed when the current connection loop
// stops: attempts ran out, the handshake was rejected or the channel was
// closed. [Channel.Err] tells which. A channel that never connected returns
// a closed channel.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.runDone
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns why the connection loop stopped: an error wrapping
// [ErrExhausted] or [auth.ErrUnauthorized], or nil while running or after a
// clean shutdown.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the connection loop, cancels any pending reconnect wait and
// closes the connection. It is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn, cancel, done, running := c.conn, c.runCancel, c.runDone, c.running
		c.mu.Unlock()

		if conn != nil {
			if f, ok := c.codec.(stt.Finisher); ok {
				ctx, stop := context.WithTimeout(context.Background(), time.Second)
				if err := c.write(ctx, conn, Text, f.FinishMessage()); err != nil {
					slog.Debug("transport: finish message not sent", "err", err)
				}
				stop()
			}
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if running {
			<-done
		}
		close(c.events)
		c.setStatus(Status{State: Closed})
	})
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		c.setStatus(Status{State: Connecting, Attempt: attempt})
		conn, err := c.dialer.Dial(ctx, c.url)
		switch {
		case err == nil:
			attempt = 0
			c.serve(ctx, conn)
		case ctx.Err() != nil:
		case errors.Is(err, auth.ErrUnauthorized):
			slog.Error("transport: connection rejected", "url", c.url, "err", err)
			c.finish(err)
			return
		default:
			slog.Warn("transport: dial failed", "url", c.url, "attempt", attempt, "err", err)
		}

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}
		c.setStatus(Status{State: Closed})

		if attempt >= c.maxAttempts {
			slog.Error("transport: reconnection failed after max attempts",
				"url", c.url,
				"max_attempts", c.maxAttempts,
			)
			c.finish(fmt.Errorf("%w (%d attempts)", ErrExhausted, attempt))
			return
		}

		attempt++
		c.metrics.TransportReconnects.Add(ctx, 1)
		c.setStatus(Status{State: Reconnecting, Attempt: attempt})
		slog.Info("transport: attempting reconnection",
			"url", c.url,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", c.backoff,
		)

		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.finish(nil)
			return
		case <-timer.C:
		}
	}
}

// serve runs one established connection until it drops or ctx ends.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.lastWrite.Store(time.Now().UnixNano())
	c.setStatus(Status{State: Open})
	slog.Info("transport: connected", "url", c.url)

	connCtx, cancel := context.WithCancel(ctx)
	kaDone := make(chan struct{})
	if ka, ok := c.codec.(stt.KeepAliver); ok {
		go func() {
			defer close(kaDone)
			c.keepAlive(connCtx, conn, ka)
		}()
	} else {
		close(kaDone)
	}

	err := c.readLoop(connCtx, conn)
	cancel()
	<-kaDone

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if ctx.Err() == nil {
		slog.Warn("transport: connection lost", "url", c.url, "err", err)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		ev, err := c.codec.Decode(data)
		if err != nil {
			c.metrics.TransportParseErrors.Add(ctx, 1)
			slog.Warn("transport: dropping malformed message", "err", err)
			continue
		}

		switch ev := ev.(type) {
		case stt.Transcription:
			ev.ReceivedAt = time.Now()
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case stt.Unknown:
			slog.Debug("transport: ignoring message", "type", ev.Type)
		}
	}
}

func (c *Channel) keepAlive(ctx context.Context, conn Conn, ka stt.KeepAliver) {
	interval := ka.KeepAliveInterval()
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if idle < interval {
				continue
			}
			if err := c.write(ctx, conn, Text, ka.KeepAliveMessage()); err != nil {
				slog.Debug("transport: keep-alive failed", "err", err)
			}
		}
	}
}

func (c *Channel) write(ctx context.Context, conn Conn, typ MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, typ, data); err != nil {
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// finish records the terminal error of the connection loop.
func (c *Channel) finish(err error) {
	c.setStatus(Status{State: Closed})
	c.mu.Lock()
	c.running = false
	c.err = err
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	handlers := c.handlers
	c.mu.Unlock()

	slog.Debug("transport: state changed", "state", s.String())
	for _, h := range handlers {
		h(s)
	}
}
