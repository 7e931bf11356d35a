package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livepanel/pkg/audio"
)

func TestConverter_PassThrough(t *testing.T) {
	t.Parallel()

	c := &audio.Converter{Target: audio.Mono(16000)}
	in := audio.NewMonoBlock(16000, []float32{0.1, 0.2, 0.3})
	out := c.Convert(in)

	if &out.Samples[0][0] != &in.Samples[0][0] {
		t.Error("matching format should return the block unchanged")
	}
}

func TestConverter_ResampleAndDownmix(t *testing.T) {
	t.Parallel()

	c := &audio.Converter{Target: audio.Mono(24000)}
	in := audio.SampleBlock{
		SampleRate: 48000,
		Samples: [][]float32{
			make([]float32, 960),
			make([]float32, 960),
		},
	}
	for i := range 960 {
		in.Samples[0][i] = 0.5
		in.Samples[1][i] = -0.1
	}

	out := c.Convert(in)
	if out.Format() != audio.Mono(24000) {
		t.Fatalf("format = %s, want 24000Hz/1ch", out.Format())
	}
	if out.Len() != 480 {
		t.Fatalf("len = %d, want 480", out.Len())
	}
	for i, s := range out.Samples[0] {
		if math.Abs(float64(s-0.2)) > 1e-6 {
			t.Fatalf("sample %d = %v, want 0.2", i, s)
		}
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()

	in := audio.NewMonoBlock(16000, []float32{0, 1, 0, -1})
	out := audio.Resample(in, 32000)

	if out.SampleRate != 32000 {
		t.Fatalf("rate = %d", out.SampleRate)
	}
	want := []float32{0, 0.5, 1, 0.5, 0, -0.5, -1, -1}
	if len(out.Samples[0]) != len(want) {
		t.Fatalf("len = %d, want %d", len(out.Samples[0]), len(want))
	}
	for i := range want {
		if math.Abs(float64(out.Samples[0][i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, out.Samples[0][i], want[i])
		}
	}
}

func TestResample_DurationPreserved(t *testing.T) {
	t.Parallel()

	in := audio.NewMonoBlock(16000, make([]float32, 4096))
	out := audio.Resample(in, 24000)
	if out.Len() != 6144 {
		t.Fatalf("len = %d, want 6144", out.Len())
	}
	if out.Seconds() != in.Seconds() {
		t.Errorf("duration changed: %v → %v", in.Seconds(), out.Seconds())
	}
}

func TestRemix_Upmix(t *testing.T) {
	t.Parallel()

	in := audio.NewMonoBlock(24000, []float32{0.25, -0.25})
	out := audio.Remix(in, 2)
	if out.Channels() != 2 {
		t.Fatalf("channels = %d", out.Channels())
	}
	for c := range 2 {
		if out.Samples[c][0] != 0.25 || out.Samples[c][1] != -0.25 {
			t.Errorf("channel %d = %v", c, out.Samples[c])
		}
	}
	out.Samples[1][0] = 1
	if in.Samples[0][0] != 0.25 {
		t.Error("Remix must copy, not alias, the source channel")
	}
}
