// Package audio defines the sample and frame types that flow through the
// livepanel streaming pipeline, the codec that converts between them, and the
// endpoint interfaces through which the host supplies a microphone and a
// speaker.
//
// Samples are normalised float32 values in [-1, 1]. On the wire they travel
// as 16-bit signed little-endian PCM, base64-encoded and tagged with a MIME
// descriptor of the form "audio/pcm;rate=<N>".
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model output).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// Mono returns a single-channel Format at the given rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a compact human-readable form such as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// SampleBlock is a block of normalised float samples tagged with its sample
// rate. Samples holds one slice per channel; all channel slices have the same
// length. A block is treated as immutable once it has been handed to the next
// pipeline stage.
type SampleBlock struct {
	SampleRate int
	Samples    [][]float32
}

// NewMonoBlock wraps samples as a single-channel block.
func NewMonoBlock(rate int, samples []float32) SampleBlock {
	return SampleBlock{SampleRate: rate, Samples: [][]float32{samples}}
}

// Channels returns the number of channels in the block.
func (b SampleBlock) Channels() int { return len(b.Samples) }

// Len returns the number of samples per channel.
func (b SampleBlock) Len() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Format returns the block's rate and channel count.
func (b SampleBlock) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels()}
}

// Seconds returns the playback duration of the block in seconds.
func (b SampleBlock) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Len()) / float64(b.SampleRate)
}

// Duration returns the playback duration of the block.
func (b SampleBlock) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// Frame is one transport unit of encoded audio. Data is the transport-safe
// (base64) text of the PCM payload; the transport never inspects it. Format
// is the out-of-band descriptor needed to decode it.
type Frame struct {
	Data   []byte
	Format Format
}

// MIMEType returns the descriptor string sent alongside the frame, e.g.
// "audio/pcm;rate=16000".
func (f Frame) MIMEType() string {
	return MIMEType(f.Format)
}
