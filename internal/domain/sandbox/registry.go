package sandbox

import (
	"sync"
)

// Registry is the single shared lookup table from sandbox ID to instance
// metadata. The lifecycle manager is the only writer; the proxy and API
// handlers are read-only consumers. Reads vastly outnumber writes, so the
// map is guarded by an RWMutex rather than a plain mutex.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]Instance),
	}
}

// Get returns a copy of the instance with the given ID.
func (r *Registry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	return inst, ok
}

// Upsert stores the instance, replacing any previous entry with the same ID.
func (r *Registry) Upsert(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[inst.ID] = inst
}

// Update applies fn to the registered instance under the write lock and
// reports whether the ID was present. A missing ID leaves the registry
// untouched, so state transitions racing a concurrent remove never write a
// removed instance back.
func (r *Registry) Update(id string, fn func(*Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	fn(&inst)
	r.instances[id] = inst
	return true
}

// Remove deletes the instance. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances, id)
}

// List returns copies of all registered instances.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.instances)
}
