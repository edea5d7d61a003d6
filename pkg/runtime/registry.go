package runtime

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
)

// Key identifies a module within a neural network instance.
type Key struct {
	NNInstanceID uuid.UUID
	ModuleID     uuid.UUID
}

// Entry is a deployed module and its description.
type Entry struct {
	Instance core.ModuleInstance
	Module   core.Module
}

// Key returns the registry key of the entry.
func (e Entry) Key() Key {
	return Key{NNInstanceID: e.Instance.NNInstanceID, ModuleID: e.Instance.ModuleID}
}

// RegistryListener is notified when modules are added or removed. Callbacks
// run after the registry released its lock.
type RegistryListener interface {
	ModuleAdded(entry Entry)
	ModuleRemoved(entry Entry)
}

// Registry provides a thread-safe registry of deployed modules keyed by
// (nnInstanceID, moduleID).
type Registry struct {
	mu        sync.RWMutex
	entries   map[Key]Entry
	listeners []RegistryListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key]Entry),
	}
}

// Subscribe registers a listener for add and remove events.
func (r *Registry) Subscribe(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshotListeners() []RegistryListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RegistryListener(nil), r.listeners...)
}

// Add registers a module. Adding an existing key fails.
func (r *Registry) Add(entry Entry) error {
	r.mu.Lock()
	key := entry.Key()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return errors.WithFields(ErrModuleExists, errors.Fields{
			"nn_id":     key.NNInstanceID,
			"module_id": key.ModuleID,
		})
	}
	r.entries[key] = entry
	r.mu.Unlock()

	for _, l := range r.snapshotListeners() {
		l.ModuleAdded(entry)
	}
	return nil
}

// Remove unregisters a module and reports whether it was present.
func (r *Registry) Remove(key Key) (Entry, bool) {
	r.mu.Lock()
	entry, exists := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if !exists {
		return Entry{}, false
	}
	for _, l := range r.snapshotListeners() {
		l.ModuleRemoved(entry)
	}
	return entry, true
}

// Get retrieves a module by key.
func (r *Registry) Get(key Key) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[key]
	if !exists {
		return Entry{}, errors.WithFields(ErrModuleNotFound, errors.Fields{
			"nn_id":     key.NNInstanceID,
			"module_id": key.ModuleID,
		})
	}
	return entry, nil
}

// Entries returns the modules of one instance, or of every instance when
// nnID is uuid.Nil, ordered by key.
func (r *Registry) Entries(nnID uuid.UUID) []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for key, e := range r.entries {
		if nnID == uuid.Nil || key.NNInstanceID == nnID {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Key(), entries[j].Key()
		if a.NNInstanceID != b.NNInstanceID {
			return a.NNInstanceID.String() < b.NNInstanceID.String()
		}
		return a.ModuleID.String() < b.ModuleID.String()
	})
	return entries
}

// Instances returns the ids of the instances with at least one module.
func (r *Registry) Instances() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for key := range r.entries {
		if !seen[key.NNInstanceID] {
			seen[key.NNInstanceID] = true
			ids = append(ids, key.NNInstanceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Count returns the number of registered modules
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
