package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry hands out one breaker per key, created on first use with a
// shared config.
type Registry struct {
	config   Config
	listener Listener

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. listener, when non-nil, receives the
// transitions of every breaker the registry creates.
func NewRegistry(cfg Config, listener Listener) *Registry {
	return &Registry{
		config:   cfg,
		listener: listener,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.config, r.listener)
	r.breakers[key] = b
	return b
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the number of breakers in each state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Open returns the sorted keys of breakers currently rejecting calls.
func (r *Registry) Open() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k, b := range r.breakers {
		if b.State() == Open {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
