package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/audio/mixer"
)

var _ audio.Sink = (*Speaker)(nil)

// oto allows exactly one context per process. The first successful
// [OpenSpeaker] fixes its format.
var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat audio.Format
)

// DefaultSpeakerBuffer is the oto buffer length. Output latency and the gap
// between the timeline clock and what is audible are both about this long.
const DefaultSpeakerBuffer = 100 * time.Millisecond

// ErrFormatLocked is returned by [OpenSpeaker] when the process-wide output
// context was already created with a different format.
var ErrFormatLocked = errors.New("device: output context already initialised with another format")

// Speaker renders a [mixer.Timeline] to the default output device. It
// implements [audio.Sink] by delegating to the timeline; the oto player pulls
// PCM from the timeline at the hardware rate, which drives the clock.
type Speaker struct {
	timeline *mixer.Timeline
	player   *oto.Player

	closeOnce sync.Once
}

// OpenSpeaker opens the output device in format f with the given buffer
// length (zero selects [DefaultSpeakerBuffer]).
func OpenSpeaker(f audio.Format, buffer time.Duration) (*Speaker, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("device: open speaker: invalid format %s", f)
	}
	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}

	ctx, err := outputContext(f, buffer)
	if err != nil {
		return nil, &audio.DeviceError{Device: "speaker", Err: err}
	}

	tl := mixer.NewTimeline(f)
	player := ctx.NewPlayer(tl)
	player.SetBufferSize(int(buffer.Seconds()*float64(f.SampleRate)) * 2 * f.Channels)
	player.Play()

	slog.Info("speaker opened", "format", f.String(), "buffer", buffer)
	return &Speaker{timeline: tl, player: player}, nil
}

func outputContext(f audio.Format, buffer time.Duration) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoFormat != f {
			return nil, fmt.Errorf("%w: have %s, want %s", ErrFormatLocked, otoFormat, f)
		}
		if err := otoCtx.Resume(); err != nil {
			return nil, fmt.Errorf("resume output context: %w", err)
		}
		return otoCtx, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("create output context: %w", err)
	}
	<-ready
	otoCtx, otoFormat = ctx, f
	return ctx, nil
}

// Now implements [audio.Sink].
func (s *Speaker) Now() float64 { return s.timeline.Now() }

// Play implements [audio.Sink].
func (s *Speaker) Play(b audio.SampleBlock, at float64, onEnded func()) audio.Voice {
	return s.timeline.Play(b, at, onEnded)
}

// Healthy reports whether the output context is running without errors.
func (s *Speaker) Healthy() error {
	otoMu.Lock()
	ctx := otoCtx
	otoMu.Unlock()
	if ctx == nil {
		return errors.New("device: speaker: no output context")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("device: speaker: %w", err)
	}
	return nil
}

// Close stops playback. The process-wide output context stays alive so that
// a later [OpenSpeaker] can reuse it.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.timeline.Close()
		err = s.player.Close()
		slog.Info("speaker closed")
	})
	return err
}
