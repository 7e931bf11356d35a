package live

import "sync"

// DefaultEventBuffer is the event channel capacity used by the transports.
const DefaultEventBuffer = 64

// EventStream is the event side of a Session. The transport's receive loop
// calls [EventStream.Emit] for every event and [EventStream.Finish] once at
// the end. [EventStream.Stop] may be called from anywhere, and Emit and
// Finish are safe to race with each other.
type EventStream struct {
	ch   chan Event
	stop chan struct{}
	done chan struct{}

	// mu is held shared by Emit and exclusively by Finish, so the channel is
	// never closed under a pending send.
	mu       sync.RWMutex
	finished bool

	stopOnce   sync.Once
	finishOnce sync.Once
}

// NewEventStream returns a stream with the given channel buffer.
func NewEventStream(buffer int) *EventStream {
	return &EventStream{
		ch:   make(chan Event, buffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the stream.
func (s *EventStream) Events() <-chan Event { return s.ch }

// Done is closed by Finish.
func (s *EventStream) Done() <-chan struct{} { return s.done }

// Stopping is closed by Stop.
func (s *EventStream) Stopping() <-chan struct{} { return s.stop }

// Emit delivers ev, blocking while the buffer is full. It reports false
// without delivering if the stream was stopped or finished.
func (s *EventStream) Emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// Stop tells the producer that nobody is listening any more. Pending and
// future Emit calls return false.
func (s *EventStream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Finish delivers the terminal event ev (unless the stream was stopped),
// then closes the event channel and Done. Only the first call has an effect.
func (s *EventStream) Finish(ev Event) {
	s.finishOnce.Do(func() {
		s.Emit(ev)
		s.mu.Lock()
		s.finished = true
		close(s.ch)
		close(s.done)
		s.mu.Unlock()
	})
}
