package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Player renders one segment. Play blocks until the segment has ended, ctx
// is cancelled, or playback failed.
type Player interface {
	Play(ctx context.Context, seg *Segment) error
}

// DefaultSpeakerRate is the output rate of the [SpeakerPlayer].
const DefaultSpeakerRate beep.SampleRate = 44100

// resampleQuality is passed to [beep.Resample].
const resampleQuality = 4

// SpeakerPlayer plays segments on the default output device through
// beep/speaker. The speaker is initialised lazily on the first Play and
// segments with another sample rate are resampled.
type SpeakerPlayer struct {
	rate beep.SampleRate

	once    sync.Once
	initErr error
}

var _ Player = (*SpeakerPlayer)(nil)

// NewSpeakerPlayer returns a player that outputs at rate. A zero rate selects
// [DefaultSpeakerRate].
func NewSpeakerPlayer(rate beep.SampleRate) *SpeakerPlayer {
	if rate <= 0 {
		rate = DefaultSpeakerRate
	}
	return &SpeakerPlayer{rate: rate}
}

func (p *SpeakerPlayer) init() error {
	p.once.Do(func() {
		if err := speaker.Init(p.rate, p.rate.N(time.Second/10)); err != nil {
			p.initErr = fmt.Errorf("playback: init speaker: %w", err)
		}
	})
	return p.initErr
}

// Play implements [Player].
func (p *SpeakerPlayer) Play(ctx context.Context, seg *Segment) error {
	if err := p.init(); err != nil {
		return err
	}

	var s beep.Streamer = seg.Streamer
	if seg.Format.SampleRate != p.rate {
		s = beep.Resample(resampleQuality, seg.Format.SampleRate, p.rate, s)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
		if err := seg.Streamer.Err(); err != nil {
			return fmt.Errorf("playback: segment %q: %w", seg.ID, err)
		}
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}
