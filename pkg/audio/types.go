package audio

import "time"

// Default capture parameters used by the client pipeline.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultFrameSize  = 4096
)

// AudioFrame represents a single window of captured audio. Frames are the
// atomic unit of the upstream pipeline: produced by capture, filtered by the
// silence gate and written to the transcription transport.
//
// A frame is immutable once emitted.
type AudioFrame struct {
	// Seq increases by one for every frame emitted during a capture run.
	Seq uint64

	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (16000 for the transcription service).
	SampleRate int

	// Channels is 1 for the mono stream sent upstream.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Samples reports how many 16-bit samples the frame holds per channel.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
