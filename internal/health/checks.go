package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/mathvox/internal/resilience"
	"github.com/MrWong99/mathvox/internal/transport"
)

// TransportStatus is implemented by [transport.Channel].
type TransportStatus interface {
	Status() transport.Status
}

// Transport reports ready while the transcription connection is open. The
// check is optional: typed questions work without live transcription.
func Transport(name string, ch TransportStatus) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			st := ch.Status()
			if st.State != transport.Open {
				return fmt.Errorf("connection %s", st)
			}
			return nil
		},
	}
}

// CaptureStatus is implemented by the microphone capture.
type CaptureStatus interface {
	Running() bool
	Err() error
}

// Capture reports ready while the microphone delivers frames. A paused
// capture (during playback) is still ready. The check is optional.
func Capture(name string, c CaptureStatus) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if c.Running() {
				return nil
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("not running")
		},
	}
}

// BreakerStatus is implemented by [resilience.TTSFallback].
type BreakerStatus interface {
	Healthy() bool
	States() map[string]resilience.State
}

// Breakers reports ready while at least one backend's circuit breaker
// accepts calls. The error lists the open breakers. Answers are still shown
// as text when speech is down, so the check is optional.
func Breakers(name string, b BreakerStatus) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if b.Healthy() {
				return nil
			}
			var open []string
			for n, st := range b.States() {
				if st == resilience.StateOpen {
					open = append(open, n)
				}
			}
			slices.Sort(open)
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		},
	}
}

// Pinger is implemented by storage backends such as the PostgreSQL history
// sink.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports ready while p answers a ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
