package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// Compile-time interface assertion.
var _ Device = PortAudioDevice{}

// PortAudioDevice opens the system default input device through PortAudio.
type PortAudioDevice struct{}

// Open initialises PortAudio and starts a blocking input stream.
func (PortAudioDevice) Open(cfg Config) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio initialize: %w", err)
	}

	buf := make([]float32, cfg.FrameSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.deviceRate()), cfg.FrameSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio start: %w", err)
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

var errStreamClosed = errors.New("stream closed")

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32

	// mu is held for the duration of a Read so Close can wait for an
	// aborted Read to return before releasing the stream.
	mu      sync.Mutex
	closed  bool
	closing atomic.Bool
}

func (s *portAudioStream) Read(dst []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if err := s.stream.Read(); err != nil {
		// Overflow loses samples but leaves the stream usable.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return err
		}
		slog.Debug("capture: input overflowed")
	}
	copy(dst, s.buf)
	return nil
}

// Close aborts the stream, which makes a blocked Read return, and then
// releases PortAudio once that Read is done.
func (s *portAudioStream) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	err := s.stream.Abort()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if closeErr := s.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
