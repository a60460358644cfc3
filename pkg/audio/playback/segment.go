// Package playback plays synthesised answer audio in order.
//
// A [Sequencer] owns an ordered queue of decoded [Segment]s and a single
// playing flag. Segments are played one after the other through a [Player];
// the next segment never starts before the previous one reported its end.
// The same flag guards replays of stored answers so live and replayed audio
// never overlap.
package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// ErrUnknownFormat is wrapped by [DecodeError] when the payload is neither
// WAV nor MP3.
var ErrUnknownFormat = errors.New("playback: unknown audio format")

// DecodeError reports an audio payload that could not be decoded. The
// sequencer skips such segments.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("playback: decode segment %q: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Segment is one decoded unit of playback, usually one synthesised sentence.
type Segment struct {
	// ID identifies the segment, e.g. "<messageID>_<n>".
	ID string

	// Position is the index of the segment within its answer.
	Position int

	Streamer beep.StreamSeekCloser
	Format   beep.Format
}

// Duration reports the decoded length of the segment.
func (s *Segment) Duration() time.Duration {
	if s == nil || s.Streamer == nil || s.Format.SampleRate == 0 {
		return 0
	}
	return s.Format.SampleRate.D(s.Streamer.Len())
}

func (s *Segment) close() {
	if s != nil && s.Streamer != nil {
		_ = s.Streamer.Close()
	}
}

// Container identifies an encoded audio container.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
)

// Sniff guesses the container of data from its leading bytes.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ContainerWAV
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}

// Decode turns an encoded payload into a playable [Segment]. Any failure is
// reported as a *[DecodeError].
func Decode(id string, data []byte) (*Segment, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch Sniff(data) {
	case ContainerWAV:
		s, format, err = wav.Decode(bytes.NewReader(data))
	case ContainerMP3:
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	default:
		err = ErrUnknownFormat
	}
	if err != nil {
		return nil, &DecodeError{ID: id, Err: err}
	}
	return &Segment{ID: id, Streamer: s, Format: format}, nil
}
