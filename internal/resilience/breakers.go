package resilience

import (
	"sort"
	"sync"
)

// Breakers keys one [CircuitBreaker] per logical endpoint. Breakers are
// created lazily from a shared template config, so an endpoint that has never
// been called costs nothing.
//
// Breakers is safe for concurrent use.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty registry. cfg.Name is ignored; each breaker is
// named after its endpoint.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for endpoint, creating it on first use.
func (b *Breakers) Get(endpoint string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[endpoint]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[endpoint]; ok {
		return cb
	}
	cfg := b.cfg
	cfg.Name = endpoint
	cb = NewCircuitBreaker(cfg)
	b.breakers[endpoint] = cb
	return cb
}

// States returns a snapshot of every known endpoint's state.
func (b *Breakers) States() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]State, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = cb.State()
	}
	return out
}

// Open returns the sorted names of endpoints whose breaker is currently open.
func (b *Breakers) Open() []string {
	var names []string
	for name, st := range b.States() {
		if st == StateOpen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
