package live_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// recorder is a WriteFunc that records frame payloads in order.
type recorder struct {
	mu     sync.Mutex
	frames []string
	failAt int // 1-based index of the write that fails; 0 never fails
	block  chan struct{}
}

func (r *recorder) write(ctx context.Context, f audio.Frame) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.frames)+1 == r.failAt {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, string(f.Data))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func frame(i int) audio.Frame {
	return audio.Frame{Data: []byte(strconv.Itoa(i)), Format: audio.Mono(16000)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutbox_QueuesUntilReady(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	o := live.NewOutbox(context.Background(), rec.write, nil)
	defer o.Close()

	for i := range 5 {
		o.Send(frame(i))
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.got()); n != 0 {
		t.Fatalf("%d frames written before Ready", n)
	}
	if o.Pending() != 5 {
		t.Fatalf("Pending = %d, want 5", o.Pending())
	}

	o.Ready()
	for i := 5; i < 10; i++ {
		o.Send(frame(i))
	}

	waitFor(t, "all frames", func() bool { return len(rec.got()) == 10 })
	for i, got := range rec.got() {
		if got != strconv.Itoa(i) {
			t.Fatalf("frame %d = %q: order not preserved", i, got)
		}
	}
	if o.Sent() != 10 {
		t.Errorf("Sent = %d, want 10", o.Sent())
	}
}

func TestOutbox_OrderUnderConcurrentSend(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	o := live.NewOutbox(context.Background(), rec.write, nil)
	defer o.Close()
	o.Ready()

	// One producer per key; frames from each producer must stay in order.
	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				o.Send(frame(p*1000 + i))
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all frames", func() bool { return len(rec.got()) == producers*perProducer })
	last := map[int]int{}
	for _, s := range rec.got() {
		v, _ := strconv.Atoi(s)
		p, i := v/1000, v%1000
		if prev, ok := last[p]; ok && i != prev+1 {
			t.Fatalf("producer %d: frame %d followed %d", p, i, prev)
		}
		last[p] = i
	}
}

func TestOutbox_WriteErrorStopsAndReportsOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{failAt: 3}
	errs := make(chan error, 4)
	o := live.NewOutbox(context.Background(), rec.write, func(err error) { errs <- err })
	o.Ready()

	for i := range 6 {
		o.Send(frame(i))
	}

	select {
	case err := <-errs:
		if err == nil || err.Error() != "broken pipe" {
			t.Fatalf("onError got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError was not called")
	}
	<-o.Done()

	if got := rec.got(); len(got) != 2 {
		t.Fatalf("wrote %d frames, want 2 before the failure", len(got))
	}
	o.Send(frame(99))
	if o.Pending() != 0 {
		t.Error("Send after failure should be discarded")
	}
	select {
	case err := <-errs:
		t.Fatalf("onError called twice: %v", err)
	default:
	}
}

func TestOutbox_CloseDiscardsQueue(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	called := make(chan struct{}, 1)
	o := live.NewOutbox(context.Background(), rec.write, func(error) { called <- struct{}{} })
	o.Send(frame(1))
	o.Close()
	o.Close()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after Close")
	}
	o.Ready()
	if o.Pending() != 0 || len(rec.got()) != 0 {
		t.Error("queued frames should be discarded on Close")
	}
	select {
	case <-called:
		t.Error("Close must not report an error")
	default:
	}
}

func TestOutbox_CancelledContextIsNotAnError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{block: make(chan struct{})}
	called := make(chan error, 1)
	o := live.NewOutbox(ctx, rec.write, func(err error) { called <- err })
	o.Ready()
	o.Send(frame(1))

	o.Close()
	cancel()
	<-o.Done()

	select {
	case err := <-called:
		t.Errorf("onError called after Close: %v", err)
	default:
	}
}
