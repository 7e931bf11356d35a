// Package capture moves microphone audio to the transport. A [Pipe] reads
// fixed-size blocks from an [audio.Source], converts them to the format the
// remote service accepts, encodes them and hands the frames to a
// [live.Session] in capture order.
//
// A Pipe never blocks on the transport: SendFrame is fire-and-forget and the
// session's outbox preserves order. The only thing the Pipe waits on is the
// next captured block.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// ErrSourceClosed is returned by [Pipe.Run] when the capture source stopped
// delivering blocks while the session was still running.
var ErrSourceClosed = errors.New("capture: source closed")

// Option is a functional option for [NewPipe].
type Option func(*Pipe)

// WithMetrics sets the metrics instance. When nil or unset,
// [observe.DefaultMetrics] is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipe) { p.metrics = m }
}

// WithTransportName sets the transport attribute recorded with every sent
// frame.
func WithTransportName(name string) Option {
	return func(p *Pipe) { p.transport = name }
}

// Pipe forwards captured blocks from one Source to one Session.
type Pipe struct {
	src  audio.Source
	sess live.Session
	conv *audio.Converter

	metrics   *observe.Metrics
	transport string

	frames atomic.Int64
	// reported is the source drop total already recorded as a metric.
	reported int64
}

// NewPipe returns a Pipe from src to sess. Blocks are converted to
// sess.InputFormat() before encoding.
func NewPipe(src audio.Source, sess live.Session, opts ...Option) *Pipe {
	p := &Pipe{
		src:       src,
		sess:      sess,
		conv:      &audio.Converter{Target: sess.InputFormat()},
		transport: "unknown",
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run forwards blocks until ctx is cancelled, the session terminates or the
// source closes. It returns nil on cancellation, [live.ErrSessionClosed]
// when the session ended underneath it and [ErrSourceClosed] when the
// source stopped.
//
// After Run returns, any blocks still arriving from the source are drained
// in the background until the source is closed by its owner.
func (p *Pipe) Run(ctx context.Context) error {
	blocks := p.src.Blocks()
	defer func() { go audio.Drain(blocks) }()
	defer p.reportDrops(context.WithoutCancel(ctx))

	for {
		// Prefer noticing shutdown over forwarding a block that raced it.
		select {
		case <-ctx.Done():
			return nil
		case <-p.sess.Done():
			return live.ErrSessionClosed
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.sess.Done():
			return live.ErrSessionClosed
		case b, ok := <-blocks:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSourceClosed
			}
			p.reportDrops(ctx)
			p.forward(ctx, b)
		}
	}
}

func (p *Pipe) forward(ctx context.Context, b audio.SampleBlock) {
	if b.Len() == 0 {
		return
	}
	frame := audio.Encode(p.conv.Convert(b))
	n := p.frames.Add(1)
	p.sess.SendFrame(frame)
	p.metrics.RecordFrameSent(ctx, p.transport)
	if n == 1 {
		slog.Debug("capture: first frame sent",
			"transport", p.transport,
			"mime", frame.MIMEType(),
			"samples", b.Len(),
		)
	}
}

// reportDrops records the blocks the source discarded since the last call
// as frames dropped for overflow. Only Run calls it.
func (p *Pipe) reportDrops(ctx context.Context) {
	total := p.Dropped()
	if total <= p.reported {
		return
	}
	n := total - p.reported
	p.reported = total
	p.metrics.RecordFramesDropped(ctx, "overflow", n)
	slog.Warn("capture: source dropped blocks", "transport", p.transport, "dropped", n, "total", total)
}

// Dropped returns the number of blocks the source discarded because the
// pipe fell behind. It is zero for sources that never drop.
func (p *Pipe) Dropped() int64 {
	if dc, ok := p.src.(audio.DropCounter); ok {
		return dc.Dropped()
	}
	return 0
}

// Frames returns the number of frames handed to the session so far.
func (p *Pipe) Frames() int64 {
	return p.frames.Load()
}
