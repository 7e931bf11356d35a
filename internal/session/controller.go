// Package session owns the lifecycle of a live voice session.
//
// A [Controller] is the state machine
//
//	Idle --Start--> Opening --opened--> Active --Stop / closed / error--> Closing --> Idle
//
// It acquires the microphone, opens the transport, runs the per-session
// event pump that feeds the playback scheduler, starts the capture pipe once
// the remote side acknowledges the session and tears everything down exactly
// once. A [Reconnector] can be layered on top by the caller to retry after
// failures; the Controller itself never retries.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/livepanel/internal/capture"
	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/internal/playback"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// Default capture parameters.
const (
	DefaultBlockSize = 4096
	DefaultInputRate = 16000
)

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateOpening
	StateActive
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info describes the current or most recent session.
type Info struct {
	// ID is a random identifier assigned at Start.
	ID string

	// Transport is the name of the transport the session runs on.
	Transport string

	// StartedAt is when Start was called.
	StartedAt time.Time

	// State is the controller state at the time Info was taken.
	State State
}

// Status is a point-in-time view of the controller and its pipeline.
type Status struct {
	Info

	// Cursor is the playback cursor in seconds.
	Cursor float64

	// Live is the number of scheduled buffers that have not finished.
	Live int

	// FramesSent counts frames handed to the transport this session.
	FramesSent int64

	// CaptureDropped counts captured blocks the microphone discarded
	// because forwarding fell behind.
	CaptureDropped int64

	// Playback holds the scheduler counters for this session.
	Playback playback.Stats
}

// Listener receives lifecycle notifications. Calls are made without any
// controller lock held and may come from any goroutine.
type Listener interface {
	SessionOpened(Info)
	SessionClosed(Info)
	SessionError(Info, error)
}

// ListenerFuncs adapts plain functions to [Listener]. Nil fields are
// skipped.
type ListenerFuncs struct {
	Opened func(Info)
	Closed func(Info)
	Error  func(Info, error)
}

var _ Listener = ListenerFuncs{}

func (l ListenerFuncs) SessionOpened(i Info) {
	if l.Opened != nil {
		l.Opened(i)
	}
}

func (l ListenerFuncs) SessionClosed(i Info) {
	if l.Closed != nil {
		l.Closed(i)
	}
}

func (l ListenerFuncs) SessionError(i Info, err error) {
	if l.Error != nil {
		l.Error(i, err)
	}
}

// ControllerConfig holds the dependencies of a [Controller].
type ControllerConfig struct {
	// Microphone is opened once per session. Required.
	Microphone audio.Microphone

	// Sink receives scheduled playback. Required.
	Sink audio.Sink

	// Transport opens the remote session. Required.
	Transport live.Transport

	// Live is the initial session configuration. See [Controller.SetLiveConfig].
	Live live.Config

	// InputFormat is the capture format. Defaults to 16 kHz mono.
	InputFormat audio.Format

	// BlockSize is the number of samples per capture block. Defaults to
	// [DefaultBlockSize].
	BlockSize int

	// Listener receives lifecycle notifications. May be nil.
	Listener Listener

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// run holds everything owned by one session attempt. Fields other than
// endOnce are guarded by Controller.mu.
type run struct {
	info   Info
	ctx    context.Context
	cancel context.CancelFunc

	src   audio.Source
	sess  live.Session
	sched *playback.Scheduler
	pipe  *capture.Pipe

	endOnce sync.Once
}

// Controller drives one live session at a time. All exported methods are
// safe for concurrent use.
type Controller struct {
	mic       audio.Microphone
	sink      audio.Sink
	transport live.Transport
	format    audio.Format
	blockSize int
	listener  Listener
	metrics   *observe.Metrics

	mu      sync.Mutex
	state   State
	run     *run
	last    Info
	liveCfg live.Config
}

// NewController returns an idle Controller.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		mic:       cfg.Microphone,
		sink:      cfg.Sink,
		transport: cfg.Transport,
		format:    cfg.InputFormat,
		blockSize: cfg.BlockSize,
		listener:  cfg.Listener,
		metrics:   cfg.Metrics,
		liveCfg:   cfg.Live,
	}
	if !c.format.Valid() {
		c.format = audio.Mono(DefaultInputRate)
	}
	if c.blockSize <= 0 {
		c.blockSize = DefaultBlockSize
	}
	if c.listener == nil {
		c.listener = ListenerFuncs{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetLiveConfig replaces the configuration used for the next session. A
// running session is not affected.
func (c *Controller) SetLiveConfig(cfg live.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCfg = cfg
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start opens a new session. It is a no-op returning nil unless the
// controller is Idle.
//
// Start blocks while the microphone and the transport are opened. A
// microphone failure is returned as a *[audio.DeviceError] and a transport
// failure as a *[live.ConnectionError]; in both cases the controller is Idle
// again when Start returns. If [Controller.Stop] is called while Start is
// still opening, Start releases what it acquired and returns nil.
//
// A nil return does not mean the session is Active yet: that happens when
// the remote side acknowledges the session, and is reported through
// [Listener.SessionOpened].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	r := &run{
		info: Info{
			ID:        uuid.NewString(),
			Transport: c.transport.Name(),
			StartedAt: time.Now().UTC(),
		},
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.sched = playback.New(c.sink,
		playback.WithMetrics(c.metrics),
		playback.WithTerminalHandler(func(err error) { c.end(r, err) }),
	)
	c.state = StateOpening
	c.run = r
	cfg := c.liveCfg
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	ctx, span := observe.StartSpan(ctx, "live.start", observe.SessionAttrs(r.info.ID, r.info.Transport))
	defer span.End()
	log := observe.Logger(ctx).With("session_id", r.info.ID, "transport", r.info.Transport)

	// Stop cancels the run context, which aborts a pending open.
	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	stopWatch := context.AfterFunc(r.ctx, cancelOpen)
	defer stopWatch()

	src, err := c.mic.Open(openCtx, c.format, c.blockSize)
	if err != nil {
		var de *audio.DeviceError
		if !errors.As(err, &de) {
			err = &audio.DeviceError{Device: "microphone", Err: err}
		}
		if !c.abort(r) {
			return nil
		}
		c.metrics.RecordSessionOutcome(ctx, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "microphone")
		log.Warn("session: microphone unavailable", "err", err)
		return err
	}

	c.mu.Lock()
	if !c.openingLocked(r) {
		c.mu.Unlock()
		_ = src.Close()
		log.Info("session: stopped while opening")
		return nil
	}
	r.src = src
	c.mu.Unlock()

	sess, err := c.transport.Open(openCtx, cfg)
	if err != nil {
		var ce *live.ConnectionError
		if !errors.As(err, &ce) {
			err = &live.ConnectionError{Transport: r.info.Transport, Op: "open", Err: err}
		}
		c.mu.Lock()
		stopped := !c.openingLocked(r)
		c.mu.Unlock()
		if stopped {
			log.Info("session: stopped while opening", "open_err", err)
			return nil
		}
		c.metrics.RecordTransportError(ctx, r.info.Transport, "open")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		log.Warn("session: transport open failed", "err", err)
		c.end(r, err)
		return err
	}

	c.mu.Lock()
	if !c.openingLocked(r) {
		c.mu.Unlock()
		_ = sess.Close()
		log.Info("session: stopped while opening")
		return nil
	}
	r.sess = sess
	go c.pump(r)
	c.mu.Unlock()

	log.Info("session: transport open, awaiting acknowledgment")
	return nil
}

// abort returns the controller to Idle after a failure before any resource
// was committed to r. It reports false if r was already stopped.
func (c *Controller) abort(r *run) bool {
	c.mu.Lock()
	if !c.openingLocked(r) {
		c.mu.Unlock()
		return false
	}
	c.state = StateIdle
	c.run = nil
	c.last = r.info
	c.mu.Unlock()

	r.cancel()
	r.sched.Close()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	return true
}

// openingLocked reports whether r is still the run being opened. Once Stop
// has moved r to Closing, teardown has already collected r's resources and
// anything acquired later must be released by Start itself. c.mu must be
// held.
func (c *Controller) openingLocked(r *run) bool {
	return c.run == r && c.state == StateOpening
}

// ── Event pump ───────────────────────────────────────────────────────────────

// pump is the session's event loop. It dispatches transport events to the
// scheduler and the controller in delivery order.
func (c *Controller) pump(r *run) {
	log := slog.With("session_id", r.info.ID)
	for ev := range r.sess.Events() {
		switch ev.Kind {
		case live.EventOpened:
			c.activate(r)
		case live.EventAudio:
			// Codec errors are logged and counted by the scheduler.
			_ = r.sched.OnAudioFrame(ev.Frame)
		case live.EventInterrupted:
			r.sched.OnInterrupted()
		case live.EventTurnComplete:
			log.Debug("session: turn complete")
		case live.EventTranscript:
			log.Debug("session: transcript", "role", ev.Role, "text", ev.Text)
		case live.EventClosed:
			r.sched.OnClosed()
		case live.EventError:
			r.sched.OnError(ev.Err)
		}
	}
	// The stream ended without a terminal event, which only happens after a
	// local close. The scheduler is already stopped in that case.
	r.sched.OnClosed()
}

// activate moves an Opening session to Active and starts the capture pipe.
func (c *Controller) activate(r *run) {
	c.mu.Lock()
	if c.run != r || c.state != StateOpening {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	r.pipe = capture.NewPipe(r.src, r.sess,
		capture.WithMetrics(c.metrics),
		capture.WithTransportName(r.info.Transport),
	)
	go c.capture(r, r.pipe)
	info := r.info
	info.State = StateActive
	c.mu.Unlock()

	c.metrics.SessionStartDuration.Record(r.ctx, time.Since(info.StartedAt).Seconds())
	c.metrics.RecordSessionOutcome(r.ctx, "opened")
	slog.Info("session: active", "session_id", info.ID, "transport", info.Transport)
	c.listener.SessionOpened(info)
}

// capture runs the pipe until the session ends. A transport close is left
// to the event pump, which sees the terminal event.
func (c *Controller) capture(r *run, p *capture.Pipe) {
	err := p.Run(r.ctx)
	switch {
	case err == nil, errors.Is(err, live.ErrSessionClosed):
		return
	case errors.Is(err, capture.ErrSourceClosed):
		c.end(r, &audio.DeviceError{Device: "microphone", Err: err})
	default:
		c.end(r, fmt.Errorf("session: capture: %w", err))
	}
}

// ── Stop / teardown ──────────────────────────────────────────────────────────

// Stop ends the current session. It is idempotent: calling it while Idle or
// Closing does nothing, and the microphone is released exactly once per
// session. Stop notifies [Listener.SessionClosed].
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.run
	if r == nil || c.state == StateIdle || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.end(r, nil)
}

// end tears down r and returns the controller to Idle. reason is nil for a
// user stop or a clean remote close. Only the first call per run has an
// effect.
func (c *Controller) end(r *run, reason error) {
	r.endOnce.Do(func() {
		c.mu.Lock()
		if c.run != r {
			c.mu.Unlock()
			return
		}
		c.state = StateClosing
		sess, src := r.sess, r.src
		c.mu.Unlock()

		if sess != nil {
			if err := sess.Close(); err != nil {
				slog.Warn("session: transport close error", "session_id", r.info.ID, "err", err)
			}
		}
		r.cancel()
		r.sched.Close()
		if src != nil {
			if err := src.Close(); err != nil {
				slog.Warn("session: microphone release error", "session_id", r.info.ID, "err", err)
			}
		}

		c.mu.Lock()
		c.state = StateIdle
		c.run = nil
		c.last = r.info
		c.mu.Unlock()

		info := r.info
		info.State = StateIdle
		ctx := context.Background()
		c.metrics.ActiveSessions.Add(ctx, -1)
		if reason != nil {
			c.metrics.RecordSessionOutcome(ctx, "error")
			slog.Warn("session: ended with error", "session_id", info.ID, "err", reason)
			c.listener.SessionError(info, reason)
			return
		}
		c.metrics.RecordSessionOutcome(ctx, "closed")
		slog.Info("session: closed", "session_id", info.ID)
		c.listener.SessionClosed(info)
	})
}

// ── Introspection ────────────────────────────────────────────────────────────

// IsActive reports whether a session is Opening or Active.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpening || c.state == StateActive
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the current session, or the most recent one when Idle.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.last
	if c.run != nil {
		info = c.run.info
	}
	info.State = c.state
	return info
}

// Status returns the current session together with its pipeline counters.
// When Idle the counters are zero.
func (c *Controller) Status() Status {
	c.mu.Lock()
	r := c.run
	st := Status{Info: c.last}
	if r != nil {
		st.Info = r.info
	}
	st.State = c.state
	var pipe *capture.Pipe
	if r != nil {
		pipe = r.pipe
	}
	c.mu.Unlock()

	if r == nil {
		return st
	}
	st.Cursor = r.sched.Cursor()
	st.Live = r.sched.Live()
	st.Playback = r.sched.Stats()
	if pipe != nil {
		st.FramesSent = pipe.Frames()
		st.CaptureDropped = pipe.Dropped()
	}
	return st
}
