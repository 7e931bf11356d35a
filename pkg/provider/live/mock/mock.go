// Package mock provides test doubles for the live package interfaces.
//
// Use Transport to verify Open calls and hand out controlled sessions. Use
// Session to push server events and inspect which frames were sent.
//
// Example:
//
//	sess := mock.NewSession(audio.Mono(16000))
//	tr := &mock.Transport{Session: sess}
//	s, _ := tr.Open(ctx, cfg)
//	sess.Emit(live.Event{Kind: live.EventOpened})
//	sess.Finish(live.Event{Kind: live.EventClosed})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// OpenCall records a single invocation of Transport.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// TransportName is returned by Name. Defaults to "mock".
	TransportName string

	// Session is the Session returned by Open. If nil, Open returns a new
	// Session with a 16 kHz mono input format.
	Session live.Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// Opening, if set, runs (without the lock) at the start of every Open.
	// Tests use it to interleave other operations with a session start.
	Opening func(ctx context.Context)

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Ensure Transport implements live.Transport at compile time.
var _ live.Transport = (*Transport)(nil)

// Name returns TransportName or "mock".
func (t *Transport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TransportName == "" {
		return "mock"
	}
	return t.TransportName
}

// Open records the call and returns Session, OpenErr.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	t.mu.Lock()
	hook := t.Opening
	t.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.OpenCalls = append(t.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	if t.Session == nil {
		t.Session = NewSession(audio.Mono(16000))
	}
	return t.Session, nil
}

// CallCountOpen returns the number of Open calls so far.
func (t *Transport) CallCountOpen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.OpenCalls)
}

// Calls returns a copy of OpenCalls.
func (t *Transport) Calls() []OpenCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OpenCall, len(t.OpenCalls))
	copy(out, t.OpenCalls)
	return out
}

// Session is a mock implementation of live.Session. Events are pushed by
// the test with Emit and Finish.
type Session struct {
	stream *live.EventStream
	format audio.Format

	mu     sync.Mutex
	frames []audio.Frame
	closes int
	closed bool

	// CloseErr is returned by Close.
	CloseErr error
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// NewSession returns an open Session whose InputFormat is f.
func NewSession(f audio.Format) *Session {
	return &Session{stream: live.NewEventStream(live.DefaultEventBuffer), format: f}
}

// Emit pushes a non-terminal server event. It reports false if the session
// was closed locally.
func (s *Session) Emit(ev live.Event) bool { return s.stream.Emit(ev) }

// Finish pushes a terminal event and closes the stream.
func (s *Session) Finish(ev live.Event) { s.stream.Finish(ev) }

// SendFrame records f unless the session is closed.
func (s *Session) SendFrame(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames = append(s.frames, f)
}

// Frames returns a copy of all frames sent so far.
func (s *Session) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.stream.Events() }

// Done implements live.Session.
func (s *Session) Done() <-chan struct{} { return s.stream.Done() }

// InputFormat implements live.Session.
func (s *Session) InputFormat() audio.Format { return s.format }

// Close stops the stream and closes it without a terminal event, the way a
// real transport does after a local close. Every call is counted.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	first := !s.closed
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()

	if first {
		s.stream.Stop()
		s.stream.Finish(live.Event{Kind: live.EventClosed})
	}
	return err
}

// CallCountClose returns how many times Close was called.
func (s *Session) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
