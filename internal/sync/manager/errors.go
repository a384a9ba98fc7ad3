package manager

import (
	"fmt"

	"rosterd/internal/sync/models"
	"rosterd/pkg/platform/sentinel"
)

// RejectedError is returned when the resolver refuses an update. It carries
// the authoritative entity so the rejected client can re-base and resubmit
// without another round trip.
type RejectedError struct {
	Reason        string
	DroppedFields []string
	Current       *models.Entity
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("update rejected: %s (entity %s at version %d)",
		e.Reason, e.Current.ID, e.Current.Version)
}

// Unwrap maps the rejection reason onto a sentinel so callers can branch
// with errors.Is.
func (e *RejectedError) Unwrap() error {
	if e.Reason == "invalid_base_version" {
		return sentinel.ErrInvalidBaseVersion
	}
	return sentinel.ErrStaleVersion
}
