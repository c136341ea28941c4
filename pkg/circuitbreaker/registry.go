package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry holds one breaker per host, created on first use.
// The job API client keys it by API host; the callback dispatcher by
// callback destination host.
type Registry struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{config: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for host.
func (r *Registry) Get(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[host]
	if !ok {
		b = New(r.config)
		r.breakers[host] = b
	}
	return b
}

// Stats counts breakers per state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the current breaker counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
	}
	return stats
}

// OpenHosts returns the hosts currently refusing calls, sorted.
func (r *Registry) OpenHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hosts []string
	for host, b := range r.breakers {
		if b.State() == Open {
			hosts = append(hosts, host)
		}
	}
	slices.Sort(hosts)
	return hosts
}
