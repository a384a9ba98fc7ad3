// Package ports defines shared interfaces for the sync module. Interfaces
// live here when consumed across components to avoid import cycles between
// the state manager and its downstream consumers.
package ports

import "rosterd/internal/sync/models"

// Broadcaster fans a committed change out to subscribed clients. The state
// manager invokes it in commit order, off the per-entity critical section.
type Broadcaster interface {
	BroadcastChange(change *models.StateChange)
}

// Persister accepts committed changes for asynchronous durable writes.
// Implementations must never block the caller on sink latency.
type Persister interface {
	Enqueue(change *models.StateChange)
}
