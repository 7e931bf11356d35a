package playback_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/audio/mixer"
)

// render pulls n frames of mono int16 from tl.
func render(t *testing.T, tl *mixer.Timeline, n int) []int16 {
	t.Helper()
	buf := make([]byte, 2*n)
	got, err := tl.Read(buf)
	if err != nil || got != len(buf) {
		t.Fatalf("Read = (%d, %v), want (%d, nil)", got, err, len(buf))
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return out
}

func TestScheduler_TimelineGapless(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(audio.Mono(rate))
	s := newScheduler(t, tl)

	for range 2 {
		if err := s.OnAudioFrame(frame(0.1)); err != nil {
			t.Fatalf("OnAudioFrame: %v", err)
		}
	}

	pcm := render(t, tl, 2*rate/10)
	want := audio.Quantize(0.1)
	for i, v := range pcm {
		if v != want {
			t.Fatalf("sample %d = %d, want %d (gap or overlap)", i, v, want)
		}
	}

	if got := s.Stats().Completed; got != 2 {
		t.Errorf("Completed = %d, want 2", got)
	}
	if got := s.Live(); got != 0 {
		t.Errorf("Live = %d, want 0", got)
	}
	if tail := render(t, tl, 10); tail[0] != 0 {
		t.Errorf("sample after playback = %d, want silence", tail[0])
	}
}

func TestScheduler_TimelineInterruptSilences(t *testing.T) {
	t.Parallel()

	tl := mixer.NewTimeline(audio.Mono(rate))
	s := newScheduler(t, tl)

	for range 3 {
		if err := s.OnAudioFrame(frame(0.1)); err != nil {
			t.Fatalf("OnAudioFrame: %v", err)
		}
	}
	render(t, tl, rate/20) // 50 ms into the first buffer

	s.OnInterrupted()
	if got := tl.Pending(); got != 0 {
		t.Errorf("timeline pending = %d, want 0", got)
	}
	for i, v := range render(t, tl, rate/10) {
		if v != 0 {
			t.Fatalf("sample %d after interrupt = %d, want 0", i, v)
		}
	}
	if got := s.Stats().Completed; got != 0 {
		t.Errorf("Completed = %d, want 0 (stopped voices never end)", got)
	}

	// The next response starts at the timeline's current position.
	if err := s.OnAudioFrame(frame(0.1)); err != nil {
		t.Fatalf("OnAudioFrame: %v", err)
	}
	if got, want := s.Cursor(), tl.Now()+0.1; !near(got, want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}
	if first := render(t, tl, 1); first[0] != audio.Quantize(0.1) {
		t.Errorf("first sample of new response = %d, want %d", first[0], audio.Quantize(0.1))
	}
}
