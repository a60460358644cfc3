// Package capture reads microphone audio and emits fixed-size PCM frames.
//
// A [Capture] owns a [Device] stream for the duration of a run. Every window
// of [Config.FrameSize] float samples is converted to signed 16-bit PCM and
// delivered on the channel returned by [Capture.Start]. Capture can be paused
// during turn-taking: the device keeps being drained but no frames are
// emitted until [Capture.Resume].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mathvox/pkg/audio"
)

// ErrAlreadyStarted is returned by [Capture.Start] while a run is active.
var ErrAlreadyStarted = errors.New("capture: already started")

// DeviceError reports that the audio input device could not be opened or
// failed while reading.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Config describes the stream requested from the device and the format of the
// emitted frames.
type Config struct {
	// SampleRate of emitted frames in Hz.
	SampleRate int

	// DeviceSampleRate is the rate the device is opened at. Zero means
	// SampleRate. Frames are resampled when the two differ.
	DeviceSampleRate int

	// Channels requested from the device (1 or 2). Frames are always mono.
	Channels int

	// FrameSize is the number of samples per channel in one window.
	FrameSize int
}

// DefaultConfig returns 16 kHz mono capture with 4096-sample windows.
func DefaultConfig() Config {
	return Config{
		SampleRate: audio.DefaultSampleRate,
		Channels:   audio.DefaultChannels,
		FrameSize:  audio.DefaultFrameSize,
	}
}

func (c Config) deviceRate() int {
	if c.DeviceSampleRate > 0 {
		return c.DeviceSampleRate
	}
	return c.SampleRate
}

// Device opens input streams.
type Device interface {
	Open(cfg Config) (Stream, error)
}

// Stream is an open input stream. Read fills buf with interleaved float
// samples in [-1, 1] and blocks until a full window is available.
//
// Close may be called while a Read is blocked in another goroutine and must
// make that Read return.
type Stream interface {
	Read(buf []float32) error
	Close() error
}

// Option configures a [Capture].
type Option func(*Capture)

// WithConfig overrides the default capture configuration. Zero fields keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Capture) {
		if cfg.SampleRate > 0 {
			c.cfg.SampleRate = cfg.SampleRate
		}
		if cfg.DeviceSampleRate > 0 {
			c.cfg.DeviceSampleRate = cfg.DeviceSampleRate
		}
		if cfg.Channels > 0 {
			c.cfg.Channels = cfg.Channels
		}
		if cfg.FrameSize > 0 {
			c.cfg.FrameSize = cfg.FrameSize
		}
	}
}

// WithBufferSize sets the capacity of the frame channel. Defaults to 16.
func WithBufferSize(n int) Option {
	return func(c *Capture) {
		if n >= 0 {
			c.bufferSize = n
		}
	}
}

// Capture turns a [Device] into a stream of [audio.AudioFrame] values.
//
// All exported methods are safe for concurrent use.
type Capture struct {
	device     Device
	cfg        Config
	bufferSize int

	paused atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a Capture for device. Nothing is opened until [Capture.Start].
func New(device Device, opts ...Option) *Capture {
	c := &Capture{
		device:     device,
		cfg:        DefaultConfig(),
		bufferSize: 16,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective capture configuration.
func (c *Capture) Config() Config { return c.cfg }

// Start opens the device and begins emitting frames. The returned channel is
// closed when the run ends, either through [Capture.Stop], ctx cancellation
// or a device read failure (see [Capture.Err]).
//
// Start fails with a [*DeviceError] when the device cannot be opened.
func (c *Capture) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil, ErrAlreadyStarted
	}

	stream, err := c.device.Open(c.cfg)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, c.bufferSize)
	done := make(chan struct{})

	c.running = true
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.paused.Store(false)

	// Closing the stream on cancellation releases a Read parked on a
	// stalled device.
	closeStream := sync.OnceValue(stream.Close)
	stopClose := context.AfterFunc(ctx, func() { closeStream() })

	go c.readLoop(ctx, stream, closeStream, stopClose, out, done)

	slog.Debug("capture started",
		"sample_rate", c.cfg.SampleRate,
		"channels", c.cfg.Channels,
		"frame_size", c.cfg.FrameSize,
	)
	return out, nil
}

// Stop ends the current run and waits for the device stream to be closed.
// A read blocked on the device is interrupted by closing its stream.
// Stop is idempotent and safe to call when no run is active.
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pause suppresses frame emission without closing the device.
func (c *Capture) Pause() {
	if !c.paused.Swap(true) {
		slog.Debug("capture paused")
	}
}

// Resume re-enables frame emission after [Capture.Pause].
func (c *Capture) Resume() {
	if c.paused.Swap(false) {
		slog.Debug("capture resumed")
	}
}

// Paused reports whether frame emission is suppressed.
func (c *Capture) Paused() bool { return c.paused.Load() }

// Running reports whether a capture run is active.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Err returns the error that ended the last run, or nil if it ended normally.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) readLoop(ctx context.Context, stream Stream, closeStream func() error, stopClose func() bool, out chan<- audio.AudioFrame, done chan struct{}) {
	var runErr error
	defer func() {
		stopClose()
		if err := closeStream(); err != nil {
			slog.Warn("capture: closing device stream", "err", err)
		}
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.running = false
		c.cancel = nil
		c.err = runErr
		c.mu.Unlock()
		close(out)
		close(done)
	}()

	buf := make([]float32, c.cfg.FrameSize*c.cfg.Channels)
	start := time.Now()
	var seq uint64

	for {
		if ctx.Err() != nil {
			return
		}
		if err := stream.Read(buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			runErr = &DeviceError{Op: "read", Err: err}
			slog.Error("capture: device read failed", "err", err)
			return
		}
		if c.paused.Load() {
			continue
		}

		pcm := audio.Normalize(audio.EncodeFloat32(buf), c.cfg.deviceRate(), c.cfg.Channels, c.cfg.SampleRate)
		frame := audio.AudioFrame{
			Seq:        seq,
			Data:       pcm,
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
			Timestamp:  time.Since(start),
		}
		seq++

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}
