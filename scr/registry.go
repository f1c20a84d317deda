package scr

import (
	"cmp"
	"slices"
	"sync"
)

// registryKey identifies a component manager. Component names are unique
// per bundle only.
type registryKey struct {
	bundleID int64
	name     string
}

// ComponentRegistry holds every component manager known to the runtime.
// It is safe for concurrent use and is the source of truth for the
// introspection service.
type ComponentRegistry struct {
	mu       sync.RWMutex
	managers map[registryKey]*ComponentManager
}

// NewComponentRegistry creates an empty registry.
func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{managers: make(map[registryKey]*ComponentManager)}
}

func keyOf(m *ComponentManager) registryKey {
	return registryKey{bundleID: m.BundleID(), name: m.Name()}
}

// AddComponentManager adds m unless a manager with the same name already
// exists for the bundle. It reports whether m was added.
func (r *ComponentRegistry) AddComponentManager(m *ComponentManager) bool {
	if m == nil {
		return false
	}
	k := keyOf(m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[k]; ok {
		return false
	}
	r.managers[k] = m
	return true
}

// RemoveComponentManager removes m. Removing a manager that was replaced
// or never added is a no-op.
func (r *ComponentRegistry) RemoveComponentManager(m *ComponentManager) {
	if m == nil {
		return
	}
	k := keyOf(m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.managers[k] == m {
		delete(r.managers, k)
	}
}

// GetComponentManager returns the manager called name in the bundle.
func (r *ComponentRegistry) GetComponentManager(bundleID int64, name string) (*ComponentManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[registryKey{bundleID: bundleID, name: name}]
	return m, ok
}

// GetComponentManagers returns the managers of one bundle ordered by name.
func (r *ComponentRegistry) GetComponentManagers(bundleID int64) []*ComponentManager {
	r.mu.RLock()
	out := make([]*ComponentManager, 0)
	for k, m := range r.managers {
		if k.bundleID == bundleID {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	sortManagers(out)
	return out
}

// All returns every manager ordered by bundle id, then name.
func (r *ComponentRegistry) All() []*ComponentManager {
	r.mu.RLock()
	out := make([]*ComponentManager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sortManagers(out)
	return out
}

func (r *ComponentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// Clear forgets every manager. The managers themselves are left untouched.
func (r *ComponentRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.managers)
}

func sortManagers(ms []*ComponentManager) {
	slices.SortFunc(ms, func(a, b *ComponentManager) int {
		if c := cmp.Compare(a.BundleID(), b.BundleID()); c != 0 {
			return c
		}
		return cmp.Compare(a.Name(), b.Name())
	})
}
