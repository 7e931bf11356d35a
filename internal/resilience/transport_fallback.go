package resilience

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// TransportFallback implements [live.Transport] with failover across several
// remote services. Open is tried on the primary first and then on each
// fallback in order, skipping entries whose breaker is open.
//
// Only session setup participates in failover. Once a session is open,
// mid-session failures are reported on its event stream as usual.
type TransportFallback struct {
	group *FallbackGroup[live.Transport]
	names []string
}

var _ live.Transport = (*TransportFallback)(nil)

// NewTransportFallback creates a [TransportFallback] with primary as the
// preferred transport. Breakers are named after the transports.
func NewTransportFallback(primary live.Transport, cfg FallbackConfig) *TransportFallback {
	return &TransportFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
		names: []string{primary.Name()},
	}
}

// AddFallback registers another transport. Call it before the first Open.
func (f *TransportFallback) AddFallback(t live.Transport) {
	f.group.AddFallback(t.Name(), t)
	f.names = append(f.names, t.Name())
}

// Name returns the registered transport names joined by "|", primary first.
func (f *TransportFallback) Name() string {
	return strings.Join(f.names, "|")
}

// Open returns a session from the first transport that opens one. When all
// fail the returned *[live.ConnectionError] wraps [ErrAllFailed] and the
// last transport's error.
func (f *TransportFallback) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	sess, served, err := Try(ctx, f.group, func(ctx context.Context, t live.Transport) (live.Session, error) {
		return t.Open(ctx, cfg)
	})
	if err != nil {
		return nil, &live.ConnectionError{Transport: f.Name(), Op: "open", Err: err}
	}
	if served != f.names[0] {
		slog.Info("session opened on fallback transport", "transport", served, "primary", f.names[0])
	}
	return sess, nil
}

// Status returns the breaker state of every transport, primary first.
func (f *TransportFallback) Status() []EntryStatus {
	return f.group.Status()
}
