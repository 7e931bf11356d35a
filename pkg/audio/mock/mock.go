// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.Source], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Mono(16000))
//	mic := &mock.Microphone{OpenResult: src}
//	sink := &mock.Sink{}
//	// ... drive the pipeline ...
//	src.Emit(block)
//	sink.SetNow(0.5)
//	sink.End(0) // finish the first scheduled buffer
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livepanel/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Microphone.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	BlockSize int
}

// Microphone is a mock implementation of [audio.Microphone].
// Set the exported Result fields before use; inspect the Call* fields after.
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open when OpenErr is nil. If nil, Open creates
	// a fresh [Source] in the requested format.
	OpenResult audio.Source

	// OpenErr is returned by Open. Wrap it in *audio.DeviceError to simulate a
	// denied or missing device.
	OpenErr error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// created holds the sources Open created because OpenResult was nil.
	created []*Source

	// Opened is called (without the lock) after every Open, before it returns.
	// Tests use it to interleave other operations with a session start.
	Opened func()
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format, blockSize int) (audio.Source, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: f, BlockSize: blockSize})
	src, err := m.OpenResult, m.OpenErr
	if err == nil && src == nil {
		created := NewSource(f)
		m.created = append(m.created, created)
		src = created
	}
	hook := m.Opened
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// CallCountOpen returns the number of Open calls so far.
func (m *Microphone) CallCountOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// Sources returns the sources created by Open, oldest first.
func (m *Microphone) Sources() []*Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Source, len(m.created))
	copy(out, m.created)
	return out
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] backed by a buffered
// channel. Use [Source.Emit] to simulate captured blocks.
type Source struct {
	mu     sync.Mutex
	format audio.Format
	ch     chan audio.SampleBlock
	closed bool

	// CloseErr is returned by Close.
	CloseErr error

	// Closing, if set, runs (without the lock) at the start of every Close.
	// Tests use it to hold a device release open, as a slow driver would.
	Closing func()

	callCountClose int
	dropped        int64
}

var (
	_ audio.Source      = (*Source)(nil)
	_ audio.DropCounter = (*Source)(nil)
)

// NewSource returns an open Source in format f.
func NewSource(f audio.Format) *Source {
	return &Source{format: f, ch: make(chan audio.SampleBlock, 64)}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Blocks implements [audio.Source].
func (s *Source) Blocks() <-chan audio.SampleBlock { return s.ch }

// Emit delivers b on the Blocks channel. It reports false if the source is
// closed or the buffer is full.
func (s *Source) Emit(b audio.SampleBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// Drop simulates n blocks discarded by an overflowing capture buffer.
func (s *Source) Drop(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped += n
}

// Dropped implements [audio.DropCounter].
func (s *Source) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements [audio.Source]. Every call is counted; only the first
// closes the channel.
func (s *Source) Close() error {
	s.mu.Lock()
	hook := s.Closing
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseErr
}

// CallCountClose returns how many times Close was called.
func (s *Source) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records a single [Sink.Play] invocation.
type PlayCall struct {
	Block audio.SampleBlock
	At    float64
	Voice *Voice
}

// Sink is a mock implementation of [audio.Sink] with a manually driven clock.
// Buffers never finish on their own; call [Sink.End] to simulate natural
// completion.
type Sink struct {
	mu    sync.Mutex
	now   float64
	calls []PlayCall
}

var _ audio.Sink = (*Sink)(nil)

// SetNow moves the output clock to t seconds.
func (s *Sink) SetNow(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Now implements [audio.Sink].
func (s *Sink) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Play implements [audio.Sink].
func (s *Sink) Play(b audio.SampleBlock, at float64, onEnded func()) audio.Voice {
	v := &Voice{onEnded: onEnded}
	s.mu.Lock()
	s.calls = append(s.calls, PlayCall{Block: b, At: at, Voice: v})
	s.mu.Unlock()
	return v
}

// PlayCalls returns a copy of all recorded Play invocations.
func (s *Sink) PlayCalls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// End simulates natural completion of the i-th scheduled buffer. It invokes
// the buffer's onEnded callback unless the voice was stopped or already
// ended, and reports whether the callback ran.
func (s *Sink) End(i int) bool {
	s.mu.Lock()
	if i < 0 || i >= len(s.calls) {
		s.mu.Unlock()
		return false
	}
	v := s.calls[i].Voice
	s.mu.Unlock()
	return v.end()
}

// Voice is the mock [audio.Voice] handed out by [Sink.Play].
type Voice struct {
	mu      sync.Mutex
	onEnded func()
	stopped bool
	ended   bool
}

var _ audio.Voice = (*Voice)(nil)

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) end() bool {
	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return false
	}
	v.ended = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
	return true
}
