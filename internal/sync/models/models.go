// Package models defines the core types shared across the sync engine:
// entities, committed state changes, and conflict decisions.
package models

import (
	"fmt"
	"maps"
	"time"
)

// FieldMap holds entity field values keyed by field name. Values are
// semantically typed per field; the engine treats them opaquely.
type FieldMap map[string]any

// Clone returns a shallow copy of the map. Field values themselves are
// treated as immutable once submitted.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	maps.Copy(out, m)
	return out
}

// Entity is the unit of synchronization, e.g. one staff record.
// Version strictly increases on every accepted mutation and never repeats.
type Entity struct {
	ID             string
	Fields         FieldMap
	Version        int64
	LastModifiedBy string
	LastModifiedAt time.Time
}

// Clone returns a copy safe to hand outside the state store. The fields map
// is copied so callers can never alias authoritative state.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Fields = e.Fields.Clone()
	return &out
}

// Resolution tags how a change was accepted.
type Resolution string

const (
	// ResolutionApplied: the client edited the latest known version.
	ResolutionApplied Resolution = "applied-clean"
	// ResolutionMerged: the base version was stale but the configured
	// strategy accepted the change, possibly dropping conflicting fields.
	ResolutionMerged Resolution = "merged"
	// ResolutionRejected: the change was refused; never enters the log.
	ResolutionRejected Resolution = "rejected"
)

// StateChange is the immutable record of one accepted mutation. It is
// created once by the state manager at commit time and never modified.
type StateChange struct {
	ID              string
	EntityID        string
	PreviousVersion int64
	NewVersion      int64
	FieldDeltas     FieldMap
	Origin          string
	Timestamp       time.Time
	Resolution      Resolution
}

// ConflictDecision is the transient outcome of resolving one proposed
// update against the authoritative entity. It is produced and consumed
// within a single UpdateEntity call and never persisted.
type ConflictDecision struct {
	Accepted        bool
	ResultingFields FieldMap
	// DroppedFields lists proposed fields refused under field-level merge.
	DroppedFields []string
	Resolution    Resolution
	Reason        string
}

// Strategy selects the conflict resolution policy for a deployment.
type Strategy string

const (
	StrategyLastWriterWins  Strategy = "lww"
	StrategyFirstWriterWins Strategy = "fww"
	StrategyFieldMerge      Strategy = "field-merge"
)

// IsValid checks if the strategy is one of the supported enum values.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyFirstWriterWins, StrategyFieldMerge:
		return true
	}
	return false
}

// ParseStrategy creates a Strategy from a string, validating it.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyLastWriterWins, nil
	}
	st := Strategy(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid conflict strategy %q: must be 'lww', 'fww' or 'field-merge'", s)
	}
	return st, nil
}
