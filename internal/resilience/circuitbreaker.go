// Package resilience protects session start from failing remote services.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [FallbackGroup] tries a primary and ordered fallbacks, each behind its own
// breaker, and [TransportFallback] applies that to [live.Transport] so a
// session opens on the first healthy service.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and metrics.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call
	// counts against the breaker. Default: every error except context
	// cancellation.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition without the
	// breaker's lock held.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards one remote service.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last failure that opened or kept the breaker open
	probes   int       // admitted in the current half-open round
	probesOK int
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take the
// defaults: 5 failures, 30s reset timeout, 3 probes.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits it and returns fn's error. A
// rejected call returns [ErrCircuitOpen] without running fn. Errors that
// IsFailure rejects pass through without touching the counters.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, notify, ok := cb.admit()
	cb.emit(notify)
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	switch {
	case err == nil:
		notify = cb.succeeded(probe)
	case cb.cfg.IsFailure(err):
		notify = cb.failed(probe)
	default:
		notify = nil
	}
	cb.mu.Unlock()
	cb.emit(notify)
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, notify []transition, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if !cb.cooledDown() {
			return false, nil, false
		}
		cb.probes, cb.probesOK = 0, 0
		notify = cb.setState(nil, StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, notify, true
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, notify, false
	}
	cb.probes++
	return true, notify, true
}

// succeeded must be called with cb.mu held.
func (cb *CircuitBreaker) succeeded(probe bool) []transition {
	if !probe {
		cb.failures = 0
		return nil
	}
	cb.probesOK++
	if cb.state != StateHalfOpen || cb.probesOK < cb.cfg.HalfOpenMax {
		return nil
	}
	cb.failures = 0
	return cb.setState(nil, StateClosed)
}

// failed must be called with cb.mu held.
func (cb *CircuitBreaker) failed(probe bool) []transition {
	cb.openedAt = cb.now()
	if probe {
		return cb.setState(nil, StateOpen)
	}
	cb.failures++
	if cb.state == StateOpen || cb.failures < cb.cfg.MaxFailures {
		return nil
	}
	slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
	return cb.setState(nil, StateOpen)
}

// cooledDown must be called with cb.mu held.
func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

type transition struct{ from, to State }

// setState must be called with cb.mu held. The returned transitions go to
// emit once the lock is released.
func (cb *CircuitBreaker) setState(notify []transition, to State) []transition {
	from := cb.state
	if from == to {
		return notify
	}
	cb.state = to
	slog.Info("circuit breaker state change", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	return append(notify, transition{from: from, to: to})
}

func (cb *CircuitBreaker) emit(notify []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range notify {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures, cb.probes, cb.probesOK = 0, 0, 0
	notify := cb.setState(nil, StateClosed)
	cb.mu.Unlock()
	cb.emit(notify)
}
