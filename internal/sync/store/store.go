// Package store holds the authoritative in-memory mapping of entity id to
// current entity value. The state manager is the only writer; everything
// else reads through cloned snapshots.
package store

import (
	"sync"

	"rosterd/internal/sync/models"
)

// Store is the in-memory state store. The map mutex only guards the map
// itself; per-entity update serialization is the state manager's job.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity
}

// New creates an empty state store.
func New() *Store {
	return &Store{
		entities: make(map[string]*models.Entity),
	}
}

// Get returns a clone of the current entity value, or false if the entity
// does not exist. Clones keep callers from aliasing authoritative state.
func (s *Store) Get(id string) (*models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Put installs a new authoritative value for an entity. Only the state
// manager calls this, inside the per-entity critical section.
func (s *Store) Put(e *models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
}

// Load bulk-installs entities during warm start, before any client traffic.
func (s *Store) Load(entities []*models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.entities[e.ID] = e.Clone()
	}
}

// Len returns the number of entities currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
