package audio_test

import (
	"testing"

	"github.com/MrWong99/livepanel/pkg/audio"
)

func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from+i) / 10000
	}
	return out
}

func TestChunker_UnevenPeriods(t *testing.T) {
	t.Parallel()

	c := audio.NewChunker(16000, 4096)

	var blocks []audio.SampleBlock
	fed := 0
	for _, period := range []int{480, 1000, 3000, 4096, 7, 9000} {
		blocks = append(blocks, c.Push(ramp(fed, period))...)
		fed += period
	}

	if want := fed / 4096; len(blocks) != want {
		t.Fatalf("got %d blocks, want %d", len(blocks), want)
	}
	if c.Buffered() != fed%4096 {
		t.Errorf("buffered = %d, want %d", c.Buffered(), fed%4096)
	}

	// The stream must be reassembled in order with no gaps.
	next := 0
	for bi, b := range blocks {
		if b.Len() != 4096 || b.SampleRate != 16000 || b.Channels() != 1 {
			t.Fatalf("block %d: len=%d rate=%d ch=%d", bi, b.Len(), b.SampleRate, b.Channels())
		}
		for _, s := range b.Samples[0] {
			if want := float32(next) / 10000; s != want {
				t.Fatalf("block %d: sample %v, want %v", bi, s, want)
			}
			next++
		}
	}
}

func TestChunker_BlocksDoNotAlias(t *testing.T) {
	t.Parallel()

	c := audio.NewChunker(16000, 2)
	blocks := c.Push([]float32{1, 2, 3, 4})
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks", len(blocks))
	}
	blocks[0].Samples[0][0] = 99
	if blocks[1].Samples[0][0] != 3 {
		t.Error("blocks share backing storage")
	}
}
