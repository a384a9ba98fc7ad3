// Package resolver decides whether a proposed update is accepted against
// the current authoritative entity value. Resolve is a pure function over
// its inputs plus the change history, which keeps it independently testable.
package resolver

import (
	"fmt"
	"slices"

	"rosterd/internal/sync/models"
)

// ChangeHistory answers which fields changed after a given version. The
// change log implements it; field-level merge is the only consumer.
type ChangeHistory interface {
	FieldsChangedSince(entityID string, version int64) map[string]struct{}
}

// Resolver applies the deployment's configured conflict strategy.
type Resolver struct {
	strategy models.Strategy
	history  ChangeHistory
}

// New constructs a resolver. history may be nil for strategies other than
// field merge.
func New(strategy models.Strategy, history ChangeHistory) (*Resolver, error) {
	if !strategy.IsValid() {
		return nil, fmt.Errorf("invalid conflict strategy %q", strategy)
	}
	if strategy == models.StrategyFieldMerge && history == nil {
		return nil, fmt.Errorf("field merge strategy requires change history")
	}
	return &Resolver{strategy: strategy, history: history}, nil
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() models.Strategy {
	return r.strategy
}

// Resolve decides a proposed update against the current entity.
//
// baseVersion == current.Version: no conflict, proposed fields overlay the
// current fields. baseVersion > current.Version is a client-side bug and is
// always rejected. baseVersion < current.Version is the conflict case and
// the configured strategy applies. The caller serializes calls per entity,
// so there is no true simultaneity to break here.
func (r *Resolver) Resolve(current *models.Entity, proposed models.FieldMap, baseVersion int64) models.ConflictDecision {
	if baseVersion > current.Version {
		return models.ConflictDecision{
			Accepted:   false,
			Resolution: models.ResolutionRejected,
			Reason:     "invalid_base_version",
		}
	}

	if baseVersion == current.Version {
		return models.ConflictDecision{
			Accepted:        true,
			ResultingFields: overlay(current.Fields, proposed),
			Resolution:      models.ResolutionApplied,
		}
	}

	switch r.strategy {
	case models.StrategyLastWriterWins:
		// Overlay onto the current base, not the client's stale view, so
		// intervening edits to untouched fields survive.
		return models.ConflictDecision{
			Accepted:        true,
			ResultingFields: overlay(current.Fields, proposed),
			Resolution:      models.ResolutionMerged,
		}

	case models.StrategyFirstWriterWins:
		return models.ConflictDecision{
			Accepted:   false,
			Resolution: models.ResolutionRejected,
			Reason:     "stale_version",
		}

	case models.StrategyFieldMerge:
		return r.mergeFields(current, proposed, baseVersion)
	}

	// New construction validates the strategy, so this is unreachable.
	return models.ConflictDecision{
		Accepted:   false,
		Resolution: models.ResolutionRejected,
		Reason:     "unknown_strategy",
	}
}

// mergeFields accepts each proposed field unless somebody else touched that
// field between the client's base version and now. Conflicting fields are
// dropped individually; if every field conflicts the update is rejected.
func (r *Resolver) mergeFields(current *models.Entity, proposed models.FieldMap, baseVersion int64) models.ConflictDecision {
	interim := r.history.FieldsChangedSince(current.ID, baseVersion)

	accepted := make(models.FieldMap, len(proposed))
	var dropped []string
	for field, value := range proposed {
		if _, conflicting := interim[field]; conflicting {
			dropped = append(dropped, field)
			continue
		}
		accepted[field] = value
	}
	slices.Sort(dropped)

	if len(accepted) == 0 {
		return models.ConflictDecision{
			Accepted:      false,
			DroppedFields: dropped,
			Resolution:    models.ResolutionRejected,
			Reason:        "stale_version",
		}
	}

	return models.ConflictDecision{
		Accepted:        true,
		ResultingFields: overlay(current.Fields, accepted),
		DroppedFields:   dropped,
		Resolution:      models.ResolutionMerged,
	}
}

// overlay copies base and applies proposed on top.
func overlay(base, proposed models.FieldMap) models.FieldMap {
	out := make(models.FieldMap, len(base)+len(proposed))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range proposed {
		out[k] = v
	}
	return out
}
