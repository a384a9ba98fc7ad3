// Package changelog keeps the append-only ordered record of accepted
// mutations. It backs version replay for reconnecting clients and the
// interim-change lookups needed by field-level merge.
package changelog

import (
	"sync"

	"rosterd/internal/sync/models"
)

// Log is an in-memory append-only change log. Entries are retained for the
// lifetime of the process; compaction is an external policy.
type Log struct {
	mu       sync.RWMutex
	entries  []*models.StateChange
	byEntity map[string][]*models.StateChange

	// floors marks versions below which history is not held in memory.
	// Set during warm start: the snapshot carries an entity at version N
	// but none of the changes that produced it.
	floors map[string]int64
}

// New creates an empty change log.
func New() *Log {
	return &Log{
		byEntity: make(map[string][]*models.StateChange),
		floors:   make(map[string]int64),
	}
}

// Append records an accepted change. The caller (the state manager) is the
// only writer and appends in commit order, so per-entity slices are sorted
// by NewVersion by construction.
func (l *Log) Append(change *models.StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, change)
	l.byEntity[change.EntityID] = append(l.byEntity[change.EntityID], change)
}

// ChangesSince returns all accepted changes for an entity with NewVersion
// strictly greater than version, in commit order. Used for reconnect replay.
func (l *Log) ChangesSince(entityID string, version int64) []*models.StateChange {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.byEntity[entityID]
	i := firstAfter(history, version)
	if i == len(history) {
		return nil
	}
	out := make([]*models.StateChange, len(history)-i)
	copy(out, history[i:])
	return out
}

// FieldsChangedSince reports which fields of an entity were touched by
// changes committed after the given version. The lookup is bounded by the
// client's base version, not the full history.
func (l *Log) FieldsChangedSince(entityID string, version int64) map[string]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.byEntity[entityID]
	changed := make(map[string]struct{})
	for _, c := range history[firstAfter(history, version):] {
		for field := range c.FieldDeltas {
			changed[field] = struct{}{}
		}
	}
	return changed
}

// SetFloor records that history before the given version is unavailable for
// an entity. Called once per entity during warm start.
func (l *Log) SetFloor(entityID string, version int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version > l.floors[entityID] {
		l.floors[entityID] = version
	}
}

// Floor returns the earliest version replay can start from for an entity.
// Zero means full history is held.
func (l *Log) Floor(entityID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floors[entityID]
}

// Len returns the total number of committed changes across all entities.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// firstAfter returns the index of the first entry with NewVersion > version.
// history is sorted by NewVersion, so binary search applies.
func firstAfter(history []*models.StateChange, version int64) int {
	lo, hi := 0, len(history)
	for lo < hi {
		mid := (lo + hi) / 2
		if history[mid].NewVersion > version {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
