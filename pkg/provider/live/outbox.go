package live

import (
	"context"
	"sync"

	"github.com/MrWong99/livepanel/pkg/audio"
)

// WriteFunc writes one frame to the wire. It is only ever called from the
// outbox's writer goroutine.
type WriteFunc func(ctx context.Context, f audio.Frame) error

// Outbox serialises outbound frames onto a single writer goroutine. Frames
// queued before [Outbox.Ready] are held in order and flushed once the
// channel is ready. The first write error stops the outbox, discards the
// queue and is handed to the error callback; SendFrame never reports it.
//
// All methods are safe for concurrent use.
type Outbox struct {
	write   WriteFunc
	onError func(error)

	mu     sync.Mutex
	queue  []audio.Frame
	ready  bool
	closed bool
	sent   int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewOutbox creates an outbox and starts its writer goroutine. The goroutine
// exits when ctx is cancelled, [Outbox.Close] is called or a write fails.
// onError may be nil.
func NewOutbox(ctx context.Context, write WriteFunc, onError func(error)) *Outbox {
	o := &Outbox{
		write:   write,
		onError: onError,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

// Send queues f. Frames sent after Close or after a write failure are
// discarded.
func (o *Outbox) Send(f audio.Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, f)
	ready := o.ready
	o.mu.Unlock()

	if ready {
		o.signal()
	}
}

// Ready releases the queue. Calling it more than once is harmless.
func (o *Outbox) Ready() {
	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	o.signal()
}

// Pending returns the number of frames waiting to be written.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Sent returns the number of frames written successfully.
func (o *Outbox) Sent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

// Close stops the writer and discards queued frames. It does not wait for an
// in-flight write; use [Outbox.Done] for that.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.stop)
}

// Done is closed when the writer goroutine has exited.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-o.wake:
		}

		for {
			batch := o.take()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				if err := o.write(ctx, f); err != nil {
					o.fail(err)
					return
				}
				if !o.recordSent() {
					return
				}
			}
		}
	}
}

// take removes and returns the queued frames if the outbox is ready.
func (o *Outbox) take() []audio.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready || o.closed || len(o.queue) == 0 {
		return nil
	}
	batch := o.queue
	o.queue = nil
	return batch
}

// recordSent counts one written frame and reports whether the outbox is
// still open.
func (o *Outbox) recordSent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
	return !o.closed
}

func (o *Outbox) fail(err error) {
	o.mu.Lock()
	already := o.closed
	if !already {
		o.closed = true
		o.queue = nil
		close(o.stop)
	}
	o.mu.Unlock()

	// A write that fails because the outbox was closed is not an error.
	if !already && o.onError != nil {
		o.onError(err)
	}
}
