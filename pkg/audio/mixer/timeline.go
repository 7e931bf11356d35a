package mixer

import (
	"container/heap"
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/MrWong99/livepanel/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Sink  = (*Timeline)(nil)
	_ audio.Voice = (*voice)(nil)
	_ io.Reader   = (*Timeline)(nil)
)

// defaultQueueCap is the initial capacity hint for the pending heap.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithQueueCapacity sets the initial capacity hint for the pending voice
// heap. This does not impose a hard limit.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(voiceHeap, 0, n)
		}
	}
}

// Timeline is an [audio.Sink] whose clock is the number of frames rendered so
// far. Scheduled blocks are converted to the timeline's format, summed where
// they overlap and rendered as interleaved little-endian int16 PCM by
// [Timeline.Read]. When nothing is scheduled, Read renders silence, so a
// device player pulling at its hardware rate keeps the clock in real time.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format
	conv   audio.Converter

	mu      sync.Mutex
	pos     int64     // frames rendered
	pending voiceHeap // scheduled, not yet reached
	active  []*voice  // overlapping the render position
	seq     uint64
	closed  bool
	mix     []float32 // scratch buffer reused across reads
}

// NewTimeline creates a Timeline rendering in format f.
func NewTimeline(f audio.Format, opts ...Option) *Timeline {
	t := &Timeline{
		format:  f,
		conv:    audio.Converter{Target: f},
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Sink]. It returns the render position in seconds.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.format.SampleRate)
}

// Play implements [audio.Sink]. A start time in the past is clamped to the
// current render position. Playing on a closed timeline returns a voice that
// never sounds and never ends.
func (t *Timeline) Play(b audio.SampleBlock, at float64, onEnded func()) audio.Voice {
	b = t.conv.Convert(b)
	v := &voice{
		t:       t,
		samples: b.Samples,
		length:  int64(b.Len()),
		onEnded: onEnded,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		v.stopped = true
		return v
	}
	t.seq++
	v.seq = t.seq
	v.start = max(int64(math.Round(at*float64(t.format.SampleRate))), t.pos)
	heap.Push(&t.pending, v)
	return v
}

// Pending returns the number of voices scheduled or playing. Stopped voices
// are not counted, even before the next Read drops them.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, vs := range [][]*voice{t.active, t.pending} {
		for _, v := range vs {
			if !v.stopped {
				n++
			}
		}
	}
	return n
}

// Read renders the next len(p)/frameSize frames into p. It returns io.EOF once
// the timeline is closed. Completion callbacks of voices that finished during
// this read run on the calling goroutine after the render lock is released.
func (t *Timeline) Read(p []byte) (int, error) {
	frameSize := 2 * t.format.Channels
	frames := len(p) / frameSize
	if frames == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	ended := t.renderLocked(frames)
	t.pos += int64(frames)
	for i, s := range t.mix[:frames*t.format.Channels] {
		binary.LittleEndian.PutUint16(p[2*i:], uint16(audio.Quantize(s)))
	}
	t.mu.Unlock()

	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
	return frames * frameSize, nil
}

// renderLocked sums every voice overlapping [pos, pos+frames) into t.mix and
// returns the voices that rendered their last sample. Must be called with
// t.mu held.
func (t *Timeline) renderLocked(frames int) []*voice {
	ch := t.format.Channels
	n := frames * ch
	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	t.mix = t.mix[:n]
	clear(t.mix)

	end := t.pos + int64(frames)
	for t.pending.Len() > 0 && t.pending[0].start < end {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var ended []*voice
	kept := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		from := max(v.start, t.pos)
		to := min(v.start+v.length, end)
		for f := from; f < to; f++ {
			src := f - v.start
			dst := int(f-t.pos) * ch
			for c := range ch {
				t.mix[dst+c] += v.samples[c][src]
			}
		}
		if v.start+v.length <= end {
			v.ended = true
			ended = append(ended, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept
	return ended
}

// Close stops all voices without firing their callbacks and makes subsequent
// reads return io.EOF. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, v := range t.active {
		v.stopped = true
	}
	for _, v := range t.pending {
		v.stopped = true
	}
	t.active = nil
	t.pending = nil
	return nil
}

// voice is one block scheduled on a Timeline.
type voice struct {
	t       *Timeline
	samples [][]float32
	start   int64 // frame index
	length  int64
	seq     uint64
	onEnded func()

	// Guarded by t.mu.
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice]. A stopped voice is skipped by the next
// render and its completion callback never runs. Stopping a voice that has
// already ended is a no-op.
func (v *voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if v.ended {
		return
	}
	v.stopped = true
}
