package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Starter is the part of [Controller] a [Reconnector] drives.
type Starter interface {
	Start(ctx context.Context) error
	IsActive() bool
}

var _ Starter = (*Controller)(nil)

// ReconnectorConfig configures a [Reconnector]. Zero values take the
// defaults: 10 retries, 1s initial backoff, 30s ceiling.
type ReconnectorConfig struct {
	// Starter is restarted after a failure. Required.
	Starter Starter

	// MaxRetries bounds the Start attempts made for one failure.
	MaxRetries int

	// Backoff is the wait before the first attempt. It doubles per attempt
	// up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnect runs after a successful restart.
	OnReconnect func()
	// OnGiveUp receives the last error once every attempt failed.
	OnGiveUp func(error)
}

// Reconnector restarts a session after it failed; the [Controller] itself
// never retries. Callers run [Reconnector.Monitor] once and report each
// failed session with [Reconnector.NotifyDisconnect], typically from
// [Listener.SessionError]. A session the user stopped must not be reported.
//
// Failures reported while a restart cycle is pending are folded into it.
type Reconnector struct {
	cfg ReconnectorConfig

	failed   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector returns a Reconnector with defaults applied.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	cfg.MaxBackoff = max(cfg.MaxBackoff, cfg.Backoff)
	return &Reconnector{
		cfg:    cfg,
		failed: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Monitor starts the restart loop in its own goroutine. The loop ends with
// ctx or [Reconnector.Stop].
func (r *Reconnector) Monitor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-r.failed:
				r.restart(ctx)
			}
		}
	}()
}

// NotifyDisconnect reports a failed session. It never blocks.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.failed <- struct{}{}:
	default:
	}
}

// Stop ends the monitor and any pending cycle. It may be called more than
// once.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// delay returns the wait before attempt n (1-based).
func (r *Reconnector) delay(n int) time.Duration {
	d := r.cfg.Backoff
	for range n - 1 {
		if d >= r.cfg.MaxBackoff/2 {
			return r.cfg.MaxBackoff
		}
		d *= 2
	}
	return d
}

// sleep waits d and reports false if the cycle must be abandoned.
func (r *Reconnector) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	case <-t.C:
		return true
	}
}

// restart runs one cycle. Every attempt, the first included, waits its
// backoff so a service that drops sessions right after opening them is
// not hammered.
func (r *Reconnector) restart(ctx context.Context) {
	var lastErr error
	for n := 1; n <= r.cfg.MaxRetries; n++ {
		wait := r.delay(n)
		if !r.sleep(ctx, wait) {
			return
		}
		if r.cfg.Starter.IsActive() {
			slog.Debug("restart skipped, session already running")
			return
		}

		slog.Info("restarting session", "attempt", n, "of", r.cfg.MaxRetries, "after", wait)
		lastErr = r.cfg.Starter.Start(ctx)
		if lastErr == nil {
			if r.cfg.OnReconnect != nil {
				r.cfg.OnReconnect()
			}
			return
		}
		slog.Warn("session restart failed", "attempt", n, "err", lastErr)
	}

	slog.Error("session restart abandoned", "attempts", r.cfg.MaxRetries, "err", lastErr)
	if r.cfg.OnGiveUp != nil {
		r.cfg.OnGiveUp(lastErr)
	}
}
