package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// ErrTransportNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested name.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportFactory builds a transport from its config entry.
type TransportFactory func(TransportEntry) (live.Transport, error)

// Registry maps transport names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]TransportFactory)}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// CreateTransport instantiates the transport registered under entry.Name.
// Returns [ErrTransportNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(entry TransportEntry) (live.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, entry.Name)
	}
	t, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", entry.Name, err)
	}
	return t, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
