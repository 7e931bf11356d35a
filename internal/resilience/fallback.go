package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Try] when no entry of a [FallbackGroup]
// produced a result.
var ErrAllFailed = errors.New("resilience: all entries failed")

// FallbackConfig holds the template for the breaker created per entry. The
// breaker's Name is set to the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable values, each behind its
// own [CircuitBreaker]. The first entry is the preferred one.
//
// Entries are added before the group is shared; after that it is safe for
// concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry. Entries are tried in the order added.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// EntryStatus reports the breaker state of one entry.
type EntryStatus struct {
	Name  string
	State State
}

// Status returns the breaker state of every entry, primary first.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStatus{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// Try calls fn on each entry in order and returns the first success together
// with the name of the entry that produced it. Entries with an open breaker
// are skipped.
//
// Cancellation of ctx ends the walk: the context error is returned as is and
// the remaining entries are not tried. Otherwise, when every entry fails, the
// error wraps [ErrAllFailed] and the last failure.
func Try[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		e := &fg.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var err error
			res, err = fn(ctx, e.value)
			return err
		})
		switch {
		case err == nil:
			return res, e.name, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback entry skipped, breaker open", "entry", e.name)
		default:
			slog.Warn("fallback entry failed", "entry", e.name, "remaining", len(fg.entries)-i-1, "err", err)
		}
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return zero, "", err
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
