package keypool

import "sync"

// Registry owns one Pool per credential-set id so rotation and failure
// state survive across requests from the same configuration. It is built
// once at startup and handed to every adapter that needs pooled keys; there
// is no package-level instance.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// ForConfig returns the pool for a credential-set id, creating it on first
// use. When the pool already exists its key list is refreshed so edits to a
// configuration take effect without losing failure state for kept keys.
func (r *Registry) ForConfig(id, keysCSV string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[id]; ok {
		if !p.sameKeys(keysCSV) {
			p.UpdateKeys(keysCSV)
		}
		return p
	}
	p := New(keysCSV)
	r.pools[id] = p
	return p
}

// Clear drops the pool for one configuration, e.g. when the caller logs out
// or deletes the credential set.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, id)
}

// ClearAll drops every pool.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[string]*Pool)
}

// Lookup returns the pool for an id without creating one.
func (r *Registry) Lookup(id string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	return p, ok
}

func (p *Pool) sameKeys(keysCSV string) bool {
	incoming := splitKeys(keysCSV)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(incoming) != len(p.keys) {
		return false
	}
	for i, k := range incoming {
		if p.keys[i] != k {
			return false
		}
	}
	return true
}
