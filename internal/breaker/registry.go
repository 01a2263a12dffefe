package breaker

import (
	"sort"
	"sync"
)

// Registry owns one breaker per operation name. Breakers created by a
// registry share its transition channel.
type Registry struct {
	defaults  Settings
	overrides map[string]Settings
	events    chan Transition

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns a registry. overrides configures specific operation
// names; every other name gets defaults. bufferSize sizes the shared
// transition channel.
func NewRegistry(defaults Settings, overrides map[string]Settings, bufferSize int) *Registry {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		events:    make(chan Transition, bufferSize),
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	s, ok := r.overrides[name]
	if !ok {
		s = r.defaults
	}
	s.Events = r.events
	b := New(name, s)
	r.breakers[name] = b
	return b
}

// Events returns the transitions of every breaker in the registry.
func (r *Registry) Events() <-chan Transition { return r.events }

// Snapshots returns all breakers sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
