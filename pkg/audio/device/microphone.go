// Package device provides hardware-backed audio endpoints: a [Microphone]
// built on miniaudio (via malgo) and a [Speaker] built on oto. Both wrap
// driver failures in *[audio.DeviceError].
//
// The package needs cgo and a working audio backend at runtime. Tests use
// the in-memory doubles from audio/mock instead.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livepanel/pkg/audio"
)

var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.DropCounter = (*captureSource)(nil)
)

// DefaultBlockBuffer is the number of complete blocks a capture source
// buffers before it starts dropping. At 4096 samples and 16 kHz this is
// roughly two seconds of audio.
const DefaultBlockBuffer = 8

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithDeviceID selects a specific capture device. The zero value selects the
// system default.
func WithDeviceID(id malgo.DeviceID) MicOption {
	return func(m *Microphone) { m.deviceID = &id }
}

// WithBlockBuffer sets the capacity of the Blocks channel.
func WithBlockBuffer(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.bufferBlocks = n
		}
	}
}

// Microphone opens mono capture streams on a miniaudio device. It holds no
// device state itself; every Open creates an independent context and device.
type Microphone struct {
	deviceID     *malgo.DeviceID
	bufferBlocks int
}

// NewMicrophone returns a Microphone for the default capture device.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{bufferBlocks: DefaultBlockBuffer}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. The device is always opened in mono
// 16-bit at f.SampleRate; the returned source reports that format.
func (m *Microphone) Open(ctx context.Context, f audio.Format, blockSize int) (audio.Source, error) {
	if f.SampleRate <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("device: open microphone: invalid format %s or block size %d", f, blockSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, &audio.DeviceError{Device: "microphone", Err: fmt.Errorf("init context: %w", err)}
	}

	src := &captureSource{
		format:  audio.Mono(f.SampleRate),
		chunker: audio.NewChunker(f.SampleRate, blockSize),
		blocks:  make(chan audio.SampleBlock, m.bufferBlocks),
		mctx:    mctx,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(f.SampleRate)
	if m.deviceID != nil {
		cfg.Capture.DeviceID = m.deviceID.Pointer()
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { src.onData(in) },
	})
	if err != nil {
		src.releaseContext()
		return nil, &audio.DeviceError{Device: "microphone", Err: fmt.Errorf("init device: %w", err)}
	}
	src.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		src.releaseContext()
		return nil, &audio.DeviceError{Device: "microphone", Err: fmt.Errorf("start device: %w", err)}
	}

	slog.Info("microphone opened", "format", src.format.String(), "block_size", blockSize)
	return src, nil
}

// captureSource is the [audio.Source] returned by [Microphone.Open].
type captureSource struct {
	format audio.Format
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device

	mu      sync.Mutex
	chunker *audio.Chunker
	blocks  chan audio.SampleBlock
	closed  bool

	dropped atomic.Int64
}

func (s *captureSource) Format() audio.Format { return s.format }

func (s *captureSource) Blocks() <-chan audio.SampleBlock { return s.blocks }

// Dropped returns the number of blocks discarded because Blocks was full.
func (s *captureSource) Dropped() int64 { return s.dropped.Load() }

// onData runs on the driver's audio thread. It must never block: when the
// consumer falls behind, whole blocks are dropped and counted for the
// capture pipe to report.
func (s *captureSource) onData(in []byte) {
	samples := make([]float32, len(in)/2)
	for i := range samples {
		samples[i] = audio.Dequantize(int16(binary.LittleEndian.Uint16(in[2*i:])))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, b := range s.chunker.Push(samples) {
		select {
		case s.blocks <- b:
		default:
			if s.dropped.Add(1) == 1 {
				slog.Warn("microphone: consumer too slow, dropping capture blocks")
			}
		}
	}
}

// Close stops the device and closes the Blocks channel. Only the first call
// has any effect.
func (s *captureSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.blocks)
	s.mu.Unlock()

	// Stop waits for the callback to return, so it must run without s.mu.
	var err error
	if s.dev != nil {
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("device: stop microphone: %w", stopErr)
		}
		s.dev.Uninit()
	}
	s.releaseContext()

	slog.Info("microphone closed", "dropped_blocks", s.dropped.Load())
	return err
}

func (s *captureSource) releaseContext() {
	if s.mctx == nil {
		return
	}
	if err := s.mctx.Uninit(); err != nil {
		slog.Warn("microphone: uninit context", "err", err)
	}
	s.mctx.Free()
	s.mctx = nil
}
