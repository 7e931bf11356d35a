package playback_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/internal/playback"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/audio/mock"
)

const rate = 24000

func newScheduler(t *testing.T, sink audio.Sink, opts ...playback.Option) *playback.Scheduler {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return playback.New(sink, append([]playback.Option{playback.WithMetrics(m)}, opts...)...)
}

// frame returns an encoded frame of the given duration in seconds.
func frame(seconds float64) audio.Frame {
	n := int(math.Round(seconds * rate))
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.1
	}
	return audio.Encode(audio.NewMonoBlock(rate, s))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestOnAudioFrame_Contiguous(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)

	for range 3 {
		if err := s.OnAudioFrame(frame(0.1)); err != nil {
			t.Fatalf("OnAudioFrame: %v", err)
		}
	}

	calls := sink.PlayCalls()
	if len(calls) != 3 {
		t.Fatalf("play calls = %d, want 3", len(calls))
	}
	for i, want := range []float64{0, 0.1, 0.2} {
		if !near(calls[i].At, want) {
			t.Errorf("buffer %d start = %v, want %v", i, calls[i].At, want)
		}
	}
	if !near(s.Cursor(), 0.3) {
		t.Errorf("cursor = %v, want 0.3", s.Cursor())
	}
	if s.Live() != 3 {
		t.Errorf("live = %d, want 3", s.Live())
	}
}

func TestOnAudioFrame_BehindClockStartsNow(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)

	_ = s.OnAudioFrame(frame(0.1))
	sink.SetNow(5)
	_ = s.OnAudioFrame(frame(0.1))

	calls := sink.PlayCalls()
	if !near(calls[1].At, 5) {
		t.Errorf("late buffer start = %v, want 5", calls[1].At)
	}
	if !near(s.Cursor(), 5.1) {
		t.Errorf("cursor = %v, want 5.1", s.Cursor())
	}
}

func TestOnAudioFrame_PassesDecodedSamples(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)

	in := audio.NewMonoBlock(rate, []float32{0.5, -0.5, 0.25})
	if err := s.OnAudioFrame(audio.Encode(in)); err != nil {
		t.Fatalf("OnAudioFrame: %v", err)
	}
	got := sink.PlayCalls()[0].Block
	if got.SampleRate != rate || got.Len() != 3 {
		t.Fatalf("block = %d samples @ %d Hz", got.Len(), got.SampleRate)
	}
	for i, want := range in.Samples[0] {
		if d := math.Abs(float64(got.Samples[0][i] - want)); d > 1.0/32768 {
			t.Errorf("sample %d = %v, want %v", i, got.Samples[0][i], want)
		}
	}
}

func TestOnInterrupted_Atomic(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)

	for range 3 {
		_ = s.OnAudioFrame(frame(0.1))
	}
	sink.SetNow(0.15)
	s.OnInterrupted()

	for i, c := range sink.PlayCalls() {
		if !c.Voice.Stopped() {
			t.Errorf("buffer %d not stopped", i)
		}
	}
	if s.Live() != 0 {
		t.Errorf("live = %d, want 0", s.Live())
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v, want 0", s.Cursor())
	}
	if s.Generation() != 1 {
		t.Errorf("generation = %d, want 1", s.Generation())
	}

	// The next frame starts at max(0, now), not after the cancelled audio.
	_ = s.OnAudioFrame(frame(0.1))
	calls := sink.PlayCalls()
	if got := calls[len(calls)-1].At; !near(got, 0.15) {
		t.Errorf("post-interrupt start = %v, want 0.15", got)
	}
	if s.Live() != 1 {
		t.Errorf("live = %d, want 1", s.Live())
	}
}

func TestOnInterrupted_ConcurrentWithFrames(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = s.OnAudioFrame(frame(0.01))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			s.OnInterrupted()
		}
	}()
	wg.Wait()
	s.OnInterrupted()

	// Every buffer handed to the sink was either stopped by an interruption
	// or is still live; after the final interruption none are live.
	if s.Live() != 0 {
		t.Errorf("live = %d, want 0", s.Live())
	}
	for i, c := range sink.PlayCalls() {
		if !c.Voice.Stopped() {
			t.Fatalf("buffer %d survived the final interruption", i)
		}
	}
	if got := s.Stats().Scheduled; got != 200 {
		t.Errorf("scheduled = %d, want 200", got)
	}
}

func TestOnAudioFrame_MalformedIsolated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
	}{
		{"invalid base64", audio.Frame{Data: []byte("not base64!"), Format: audio.Mono(rate)}},
		{"odd byte count", audio.Frame{Data: []byte("AA=="), Format: audio.Mono(rate)}},
		{"missing format", audio.Frame{Data: []byte("AAAA")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &mock.Sink{}
			s := newScheduler(t, sink)
			_ = s.OnAudioFrame(frame(0.1))
			cursor, live := s.Cursor(), s.Live()

			err := s.OnAudioFrame(tc.frame)
			var ce *audio.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *audio.CodecError", err)
			}
			if s.Cursor() != cursor || s.Live() != live {
				t.Errorf("state changed: cursor %v→%v, live %d→%d", cursor, s.Cursor(), live, s.Live())
			}
			if n := len(sink.PlayCalls()); n != 1 {
				t.Errorf("play calls = %d, want 1", n)
			}
			if got := s.Stats().Dropped; got != 1 {
				t.Errorf("dropped = %d, want 1", got)
			}

			// The pipeline keeps going.
			if err := s.OnAudioFrame(frame(0.1)); err != nil {
				t.Fatalf("next frame: %v", err)
			}
			if !near(sink.PlayCalls()[1].At, 0.1) {
				t.Errorf("next start = %v, want 0.1", sink.PlayCalls()[1].At)
			}
		})
	}
}

func TestCompletion_RemovesBuffer(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := newScheduler(t, sink)
	_ = s.OnAudioFrame(frame(0.1))
	_ = s.OnAudioFrame(frame(0.1))

	if !sink.End(0) {
		t.Fatal("End(0) did not fire")
	}
	if s.Live() != 1 {
		t.Errorf("live = %d, want 1", s.Live())
	}
	if got := s.Stats().Completed; got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}

// leakySink hands out voices that ignore Stop, so tests can fire completion
// callbacks that arrive after an interruption.
type leakySink struct {
	mu        sync.Mutex
	callbacks []func()
}

type leakyVoice struct{}

func (leakyVoice) Stop() {}

func (l *leakySink) Now() float64 { return 0 }

func (l *leakySink) Play(_ audio.SampleBlock, _ float64, onEnded func()) audio.Voice {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, onEnded)
	return leakyVoice{}
}

func (l *leakySink) fire(i int) {
	l.mu.Lock()
	cb := l.callbacks[i]
	l.mu.Unlock()
	cb()
}

func TestCompletion_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	sink := &leakySink{}
	s := newScheduler(t, sink)

	_ = s.OnAudioFrame(frame(0.1)) // generation 0
	s.OnInterrupted()
	_ = s.OnAudioFrame(frame(0.1)) // generation 1

	sink.fire(0)
	if s.Live() != 1 {
		t.Fatalf("stale completion changed live set: %d", s.Live())
	}
	if got := s.Stats().Completed; got != 0 {
		t.Errorf("completed = %d, want 0", got)
	}

	sink.fire(1)
	if s.Live() != 0 {
		t.Errorf("live = %d, want 0", s.Live())
	}
	sink.fire(1)
	if got := s.Stats().Completed; got != 1 {
		t.Errorf("completed = %d, want 1 after duplicate callback", got)
	}
}

func TestTerminal_NotifiesOnce(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []error
	)
	sink := &mock.Sink{}
	s := newScheduler(t, sink, playback.WithTerminalHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, err)
	}))

	_ = s.OnAudioFrame(frame(0.1))
	reason := errors.New("socket reset")
	s.OnError(reason)
	s.OnClosed()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || !errors.Is(calls[0], reason) {
		t.Fatalf("terminal calls = %v, want [%v]", calls, reason)
	}
	if !sink.PlayCalls()[0].Voice.Stopped() {
		t.Error("terminal event did not stop playback")
	}
	if err := s.OnAudioFrame(frame(0.1)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("OnAudioFrame after terminal = %v, want ErrStopped", err)
	}
	if !s.Stopped() {
		t.Error("Stopped() = false")
	}
}

func TestTerminal_ClosedPassesNil(t *testing.T) {
	t.Parallel()

	got := make(chan error, 1)
	s := newScheduler(t, &mock.Sink{}, playback.WithTerminalHandler(func(err error) { got <- err }))
	s.OnClosed()

	if err := <-got; err != nil {
		t.Errorf("terminal err = %v, want nil", err)
	}
}

func TestClose_SilentAndIdempotent(t *testing.T) {
	t.Parallel()

	notified := false
	sink := &mock.Sink{}
	s := newScheduler(t, sink, playback.WithTerminalHandler(func(error) { notified = true }))

	_ = s.OnAudioFrame(frame(0.1))
	s.Close()
	s.Close()

	if notified {
		t.Error("Close notified the terminal handler")
	}
	if s.Live() != 0 || s.Cursor() != 0 {
		t.Errorf("live = %d, cursor = %v after Close", s.Live(), s.Cursor())
	}
	if got := s.Stats().Interruptions; got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
	if err := s.OnAudioFrame(frame(0.1)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("OnAudioFrame after Close = %v, want ErrStopped", err)
	}
}
