package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// ErrUpstreamNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrUpstreamNotRegistered = errors.New("config: upstream not registered")

// UpstreamFactory builds an [upstream.Caller] from its config entry.
type UpstreamFactory func(UpstreamEntry) (upstream.Caller, error)

// Registry maps upstream names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]UpstreamFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{upstreams: make(map[string]UpstreamFactory)}
}

// Register registers an upstream factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory UpstreamFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[name] = factory
}

// Create instantiates an upstream caller using the factory registered under
// entry.Name. Returns [ErrUpstreamNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(entry UpstreamEntry) (upstream.Caller, error) {
	r.mu.RLock()
	factory, ok := r.upstreams[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUpstreamNotRegistered, entry.Name)
	}
	c, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create upstream %q: %w", entry.Name, err)
	}
	return c, nil
}

// Names returns the sorted names of all registered upstreams.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.upstreams))
}

// OptString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
