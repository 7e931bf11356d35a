package audio

import (
	"log/slog"
	"sync"
)

// Converter converts SampleBlocks to a target format. It logs a warning the
// first time it sees a mismatching source format. Create one per stream so
// the warning is attributed correctly. Convert is safe for concurrent use.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert returns b in the target format. If b already matches, it is
// returned unchanged without allocating. Resampling happens before channel
// conversion so that a stereo source headed for mono is only resampled once
// per output channel.
func (c *Converter) Convert(b SampleBlock) SampleBlock {
	if b.SampleRate == c.Target.SampleRate && b.Channels() == c.Target.Channels {
		return b
	}
	if b.Channels() == 0 {
		return SampleBlock{SampleRate: c.Target.SampleRate, Samples: make([][]float32, c.Target.Channels)}
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", b.Format().String(),
			"to", c.Target.String(),
		)
	})

	out := b
	if out.SampleRate != c.Target.SampleRate {
		out = Resample(out, c.Target.SampleRate)
	}
	if out.Channels() != c.Target.Channels {
		out = Remix(out, c.Target.Channels)
	}
	return out
}

// Resample converts b to rate using linear interpolation on every channel.
// The output length is floor(len * rate / srcRate).
func Resample(b SampleBlock, rate int) SampleBlock {
	if rate <= 0 || b.SampleRate <= 0 || b.SampleRate == rate {
		return b
	}
	src := b.Len()
	dst := int(int64(src) * int64(rate) / int64(b.SampleRate))
	ratio := float64(b.SampleRate) / float64(rate)

	out := SampleBlock{SampleRate: rate, Samples: make([][]float32, b.Channels())}
	for c, in := range b.Samples {
		res := make([]float32, dst)
		for i := range dst {
			pos := float64(i) * ratio
			idx := int(pos)
			frac := float32(pos - float64(idx))
			s0 := in[idx]
			s1 := s0
			if idx+1 < src {
				s1 = in[idx+1]
			}
			res[i] = s0*(1-frac) + s1*frac
		}
		out.Samples[c] = res
	}
	return out
}

// Remix changes the channel count of b. Down-mixing to mono averages all
// channels; up-mixing from mono duplicates the channel; any other change maps
// output channel i to input channel i mod n.
func Remix(b SampleBlock, channels int) SampleBlock {
	n := b.Channels()
	if channels <= 0 || n == 0 || n == channels {
		return b
	}

	out := SampleBlock{SampleRate: b.SampleRate, Samples: make([][]float32, channels)}
	if channels == 1 {
		mono := make([]float32, b.Len())
		for _, ch := range b.Samples {
			for i, s := range ch {
				mono[i] += s
			}
		}
		scale := 1 / float32(n)
		for i := range mono {
			mono[i] *= scale
		}
		out.Samples[0] = mono
		return out
	}

	for c := range channels {
		src := b.Samples[c%n]
		dup := make([]float32, len(src))
		copy(dup, src)
		out.Samples[c] = dup
	}
	return out
}
