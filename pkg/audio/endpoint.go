package audio

import (
	"context"
	"fmt"
)

// The endpoint interfaces below are how the host environment hands the
// pipeline its audio devices. Device-backed implementations live in
// audio/device; in-memory doubles live in audio/mock.
//
// All implementations must be safe for concurrent use.

// Microphone grants access to a capture device. Opening it is one of the two
// operations in the pipeline that may block the caller.
type Microphone interface {
	// Open starts capturing in format f and returns a Source delivering
	// blocks of exactly blockSize samples per channel. Implementations should
	// wrap device failures in a *[DeviceError].
	Open(ctx context.Context, f Format, blockSize int) (Source, error)
}

// Source is an open capture endpoint. It is owned by exactly one session and
// must be closed by it exactly once.
type Source interface {
	// Format returns the format of the delivered blocks.
	Format() Format

	// Blocks returns the channel on which captured blocks arrive, in capture
	// order. The channel is closed when the source stops.
	Blocks() <-chan SampleBlock

	// Close releases the device and closes the Blocks channel.
	Close() error
}

// DropCounter is implemented by sources that discard captured blocks when
// their consumer falls behind. Dropped returns the running total.
type DropCounter interface {
	Dropped() int64
}

// Voice is the handle to one buffer scheduled on a [Sink].
type Voice interface {
	// Stop silences the buffer immediately. Stopping a voice that already
	// finished is a no-op.
	Stop()
}

// Sink is an output endpoint with its own clock.
type Sink interface {
	// Now returns the endpoint's current output time in seconds.
	Now() float64

	// Play schedules b to start at the absolute output time at (seconds). If
	// at is already in the past, playback starts as soon as possible.
	// onEnded, if non-nil, is called once when the buffer finishes playing
	// naturally. It is never called synchronously from Play and never after
	// the voice was stopped.
	Play(b SampleBlock, at float64, onEnded func()) Voice
}

// DeviceError reports that a microphone or output endpoint is unavailable.
// It is fatal to session start.
type DeviceError struct {
	// Device names the endpoint, e.g. "microphone" or "speaker".
	Device string

	// Err is the underlying driver error.
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Drain reads from ch until it is closed, discarding all values. Use it to
// keep a producer (for instance a device callback) from blocking on a stream
// nobody consumes any more.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
