// Package health serves the liveness and readiness probes of the panel.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only if all pass,
// 503 otherwise. Both return a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livepanel/internal/resilience"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker probes one dependency. Check returns nil while it is usable and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Report is the body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: statusOK})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all checkers concurrently, each under its own
// [checkTimeout], and collects their results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: statusOK, Checks: make(map[string]CheckResult, len(h.checkers))}

	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)
			mu.Lock()
			rep.Checks[c.Name] = res
			if res.Status != statusOK {
				rep.Status = statusFail
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: statusOK, DurationMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Status = statusFail
		res.Error = err.Error()
	}
	return res
}

// ── Checkers ─────────────────────────────────────────────────────────────────

// HealthReporter is implemented by audio devices that know whether their
// driver is still running.
type HealthReporter interface {
	Healthy() error
}

// DeviceChecker reports d's health under name.
func DeviceChecker(name string, d HealthReporter) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return d.Healthy() }}
}

// StatusReporter exposes per-entry breaker states, as
// [resilience.TransportFallback] does.
type StatusReporter interface {
	Status() []resilience.EntryStatus
}

// ErrNoTransport is returned by [TransportChecker] when every breaker is open.
var ErrNoTransport = errors.New("health: no transport available")

// TransportChecker passes while at least one transport can be tried. A
// half-open breaker counts as available.
func TransportChecker(name string, s StatusReporter) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		entries := s.Status()
		open := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.State == resilience.StateOpen {
				open = append(open, e.Name)
			}
		}
		if len(entries) == 0 || len(open) < len(entries) {
			return nil
		}
		return fmt.Errorf("%w: open breakers: %s", ErrNoTransport, strings.Join(open, ", "))
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
