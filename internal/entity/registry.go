package entity

import (
	"sort"
	"sync/atomic"

	"github.com/pitabwire/rekod/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	entities map[string]model.EntityDefinition
}

// Registry is a read-optimized, thread-safe store of all loaded entity
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.EntityDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.EntityDefinition) {
	s := &snapshot{
		entities: make(map[string]model.EntityDefinition, len(defs)),
	}
	for _, def := range defs {
		s.entities[def.ID] = def
	}
	r.snap.Store(s)
}

// Get returns the entity definition with the given ID.
func (r *Registry) Get(id string) (model.EntityDefinition, bool) {
	def, ok := r.snap.Load().entities[id]
	return def, ok
}

// AllIDs returns all registered entity IDs, sorted.
func (r *Registry) AllIDs() []string {
	s := r.snap.Load()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	return len(r.snap.Load().entities)
}
