// Package app wires the livepanel subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the failover transport
// and the session controller, Run serves the HTTP control surface alongside
// the config watcher and the reconnect monitor, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles through [Devices] and the transport list, and
// pass a listener with [WithListener] so the server binds a free port.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livepanel/internal/config"
	"github.com/MrWong99/livepanel/internal/health"
	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/internal/resilience"
	"github.com/MrWong99/livepanel/internal/session"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// inboundRate is the fallback rate for inbound audio whose descriptor does
// not carry one.
const inboundRate = 24000

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Devices holds the host audio endpoints. Both are required.
type Devices struct {
	Microphone audio.Microphone
	Sink       audio.Sink
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     config.Config
	metrics *observe.Metrics

	transport   *resilience.TransportFallback
	ctrl        *session.Controller
	reconnector *session.Reconnector
	watcher     *config.Watcher
	health      *health.Handler

	levelVar *slog.LevelVar
	gatherer prometheus.Gatherer
	listener net.Listener

	watchPath     string
	watchInterval time.Duration

	// stopped is set by a user stop and cleared by a user start. While set
	// the reconnector leaves the controller alone.
	stopped atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of handlers built
// on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithGatherer sets the registry served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithListener makes Run serve on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch reloads the config file at path every interval while Run
// is active.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to be called during Shutdown, after the session
// has been stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. transports are tried in order when a session opens:
// the first is the primary and the rest are fallbacks, each behind its own
// circuit breaker.
func New(cfg *config.Config, transports []live.Transport, dev Devices, opts ...Option) (*App, error) {
	if len(transports) == 0 {
		return nil, errors.New("app: at least one transport is required")
	}
	if dev.Microphone == nil || dev.Sink == nil {
		return nil, errors.New("app: microphone and sink are required")
	}

	a := &App{cfg: cfg.WithDefaults()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Failover transport ────────────────────────────────────────────
	a.transport = resilience.NewTransportFallback(transports[0], resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   a.cfg.Transport.Breaker.MaxFailures,
			ResetTimeout:  a.cfg.Transport.Breaker.ResetTimeout,
			HalfOpenMax:   a.cfg.Transport.Breaker.HalfOpenMax,
			OnStateChange: a.onBreakerChange,
		},
	})
	for _, t := range transports[1:] {
		a.transport.AddFallback(t)
	}

	// ── 2. Session controller ────────────────────────────────────────────
	a.ctrl = session.NewController(session.ControllerConfig{
		Microphone:  dev.Microphone,
		Sink:        dev.Sink,
		Transport:   a.transport,
		Live:        liveConfig(a.cfg),
		InputFormat: audio.Mono(a.cfg.Audio.InputRate),
		BlockSize:   a.cfg.Audio.BlockSize,
		Listener:    a,
		Metrics:     a.metrics,
	})

	// ── 3. Reconnect policy ──────────────────────────────────────────────
	if rc := a.cfg.Reconnect; rc.Enabled {
		a.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Starter:    gatedStarter{a},
			MaxRetries: rc.MaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
			OnReconnect: func() {
				slog.Info("session restarted after failure")
			},
			OnGiveUp: func(err error) {
				slog.Error("giving up restarting session", "err", err)
			},
		})
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.TransportChecker("transport", a.transport)}
	if hr, ok := dev.Sink.(health.HealthReporter); ok {
		checkers = append(checkers, health.DeviceChecker("speaker", hr))
	}
	a.health = health.New(checkers...)

	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// liveConfig maps the config file's live section to a session config.
func liveConfig(cfg config.Config) live.Config {
	return live.Config{
		Instructions:  cfg.Live.Instructions,
		Voice:         cfg.Live.Voice,
		Transcription: cfg.Live.Transcription,
		InputFormat:   audio.Mono(cfg.Audio.InputRate),
		OutputFormat:  audio.Mono(inboundRate),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP control surface and runs the background loops until
// ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.reconnector != nil {
		a.reconnector.Monitor(gctx)
	}
	if a.cfg.Live.Autostart {
		g.Go(func() error {
			if err := a.ctrl.Start(gctx); err != nil {
				slog.Error("autostart failed", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of new. It is the watcher
// callback and may be called directly.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LiveChanged {
		next := a.cfg
		next.Live = d.NewLive
		a.ctrl.SetLiveConfig(liveConfig(next))
		slog.Info("live config changed; applies to the next session", "voice", d.NewLive.Voice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Session notifications ───────────────────────────────────────────────────

var _ session.Listener = (*App)(nil)

// SessionOpened implements [session.Listener].
func (a *App) SessionOpened(i session.Info) {
	slog.Info("session opened", "session_id", i.ID, "transport", i.Transport)
}

// SessionClosed implements [session.Listener].
func (a *App) SessionClosed(i session.Info) {
	slog.Info("session closed", "session_id", i.ID, "duration", time.Since(i.StartedAt).Round(time.Millisecond))
}

// SessionError implements [session.Listener]. Failures restart the session
// when reconnecting is enabled and the user did not stop it.
func (a *App) SessionError(i session.Info, err error) {
	slog.Warn("session failed", "session_id", i.ID, "transport", i.Transport, "err", err)
	if a.reconnector != nil && !a.stopped.Load() {
		a.reconnector.NotifyDisconnect()
	}
}

func (a *App) onBreakerChange(name string, from, to resilience.State) {
	slog.Warn("transport breaker changed state", "transport", name, "from", from, "to", to)
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// gatedStarter hides the controller from the reconnector after a user stop.
type gatedStarter struct{ a *App }

func (g gatedStarter) Start(ctx context.Context) error {
	if g.a.stopped.Load() {
		return nil
	}
	return g.a.ctrl.Start(ctx)
}

// IsActive reports true after a user stop so the reconnector skips its
// cycle.
func (g gatedStarter) IsActive() bool {
	return g.a.stopped.Load() || g.a.ctrl.IsActive()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and the background loops, then runs the
// registered closers. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.stopped.Store(true)
		if a.reconnector != nil {
			a.reconnector.Stop()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.ctrl.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
