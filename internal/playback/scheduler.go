// Package playback turns inbound audio frames into gapless, in-order output
// on an [audio.Sink] and reacts to server-issued interruptions.
//
// A [Scheduler] keeps a playback cursor (the time at which the next buffer
// starts) and the set of buffers that are scheduled but not finished. Frame
// scheduling, interruption and close all mutate that state under one mutex,
// so a frame can never be scheduled against a half-cleared state. Every
// interruption bumps a generation counter; completion callbacks carry the
// generation they were scheduled under and are ignored once it is stale.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/pkg/audio"
)

// ErrStopped is returned by [Scheduler.OnAudioFrame] after the scheduler was
// closed or saw a terminal transport event.
var ErrStopped = errors.New("playback: scheduler stopped")

// TerminalHandler is invoked once, outside the scheduler's lock, when a
// transport close or error reaches the scheduler. err is nil for a clean
// close.
type TerminalHandler func(err error)

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithTerminalHandler sets the callback run after [Scheduler.OnClosed] and
// [Scheduler.OnError].
func WithTerminalHandler(h TerminalHandler) Option {
	return func(s *Scheduler) { s.onTerminal = h }
}

// WithMetrics sets the metrics instance. When nil or unset,
// [observe.DefaultMetrics] is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Scheduled counts buffers handed to the sink.
	Scheduled int64
	// Dropped counts frames rejected because they could not be decoded.
	Dropped int64
	// Interruptions counts interruptions, including the implicit one on
	// close.
	Interruptions int64
	// Completed counts buffers that finished playing naturally.
	Completed int64
}

// scheduled is one buffer handed to the sink and not yet finished.
type scheduled struct {
	id         uint64
	generation uint64
	start      float64
	duration   float64
	voice      audio.Voice
}

// Scheduler schedules decoded frames back to back on a Sink.
//
// All methods are safe for concurrent use. Sink callbacks may arrive on any
// goroutine.
type Scheduler struct {
	sink       audio.Sink
	metrics    *observe.Metrics
	onTerminal TerminalHandler

	mu         sync.Mutex
	cursor     float64
	live       map[uint64]*scheduled
	generation uint64
	nextID     uint64
	terminal   bool
	stats      Stats
}

// New returns a Scheduler playing to sink.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink: sink,
		live: make(map[uint64]*scheduled),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// OnAudioFrame decodes f and schedules it to start when the previous buffer
// ends, or now if playback has fallen behind. A frame that cannot be decoded
// is dropped: the returned error is a *[audio.CodecError] and the cursor and
// live set are left untouched. After the scheduler stopped it returns
// [ErrStopped].
func (s *Scheduler) OnAudioFrame(f audio.Frame) error {
	block, err := audio.Decode(f)
	if err != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		s.metrics.RecordFrameDropped(context.Background(), "codec")
		slog.Warn("playback: dropping malformed frame", "mime", f.MIMEType(), "bytes", len(f.Data), "err", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return ErrStopped
	}
	if block.Len() == 0 {
		return nil
	}

	now := s.sink.Now()
	startAt := max(s.cursor, now)

	s.nextID++
	entry := &scheduled{
		id:         s.nextID,
		generation: s.generation,
		start:      startAt,
		duration:   block.Seconds(),
	}
	// Play never runs onEnded synchronously, so the callback cannot observe
	// the entry before it is inserted.
	entry.voice = s.sink.Play(block, startAt, s.completion(entry.id, entry.generation))
	s.live[entry.id] = entry
	s.cursor = startAt + entry.duration
	s.stats.Scheduled++

	s.metrics.RecordScheduled(context.Background(), startAt-now)
	return nil
}

// completion returns the onEnded callback for buffer id scheduled under
// generation gen.
func (s *Scheduler) completion(id, gen uint64) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation {
			return
		}
		if _, ok := s.live[id]; !ok {
			return
		}
		delete(s.live, id)
		s.stats.Completed++
	}
}

// OnInterrupted stops every scheduled buffer, clears the live set, resets
// the cursor to zero and advances the generation, all in one step. The next
// frame starts at the sink's current time.
func (s *Scheduler) OnInterrupted() {
	s.mu.Lock()
	n := s.interruptLocked()
	s.mu.Unlock()

	s.metrics.RecordInterruption(context.Background())
	slog.Debug("playback: interrupted", "stopped", n)
}

// interruptLocked performs the interruption and returns how many buffers
// were stopped. s.mu must be held.
func (s *Scheduler) interruptLocked() int {
	n := len(s.live)
	for id, e := range s.live {
		e.voice.Stop()
		delete(s.live, id)
	}
	s.cursor = 0
	s.generation++
	s.stats.Interruptions++
	return n
}

// OnClosed handles a clean transport close: playback is interrupted, the
// scheduler stops accepting frames and the terminal handler runs with a nil
// error.
func (s *Scheduler) OnClosed() {
	s.terminate(nil, true)
}

// OnError handles a transport failure like [Scheduler.OnClosed] but passes
// reason to the terminal handler.
func (s *Scheduler) OnError(reason error) {
	s.terminate(reason, true)
}

// Close interrupts playback and stops accepting frames without notifying
// the terminal handler. It is idempotent.
func (s *Scheduler) Close() {
	s.terminate(nil, false)
}

func (s *Scheduler) terminate(reason error, notify bool) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.interruptLocked()
	s.terminal = true
	s.mu.Unlock()

	if notify && s.onTerminal != nil {
		s.onTerminal(reason)
	}
}

// Cursor returns the time in seconds at which the next buffer would start
// if playback has not fallen behind. It is zero after an interruption.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of buffers scheduled and not yet finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Generation returns the current interruption generation.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Stopped reports whether the scheduler no longer accepts frames.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
