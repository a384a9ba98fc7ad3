// Package manager implements the state manager: the single authoritative
// mutation point for all entities. Updates to the same entity are strictly
// serialized; updates to different entities proceed in parallel.
package manager

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rosterd/internal/sync/changelog"
	"rosterd/internal/sync/metrics"
	"rosterd/internal/sync/models"
	"rosterd/internal/sync/ports"
	"rosterd/internal/sync/resolver"
	"rosterd/internal/sync/store"
	"rosterd/pkg/platform/sentinel"
)

// lockShards bounds the per-entity lock table. Entity ids hash onto shards,
// so distinct entities almost always take distinct locks.
const lockShards = 128

// commitBuffer decouples the commit path from the dispatch loop. Dispatch
// only enqueues onto per-client queues and the persist pipeline, so the
// buffer exists for burst absorption, not for slow consumers.
const commitBuffer = 1024

// Clock abstracts time for testability.
type Clock func() time.Time

// Manager orchestrates validate, resolve, apply, version bump, changelog
// append, and post-commit dispatch to broadcast and persistence.
type Manager struct {
	store       *store.Store
	log         *changelog.Log
	resolver    *resolver.Resolver
	broadcaster ports.Broadcaster
	persister   ports.Persister
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       Clock

	shards [lockShards]sync.Mutex

	// commitMu orders changelog appends and dispatch enqueues so the
	// broadcast sequence always matches changelog order.
	commitMu sync.Mutex
	commits  chan *models.StateChange
	closed   bool
	drained  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a state manager and starts its dispatch loop. Close must
// be called to drain in-flight dispatches.
func New(
	st *store.Store,
	log *changelog.Log,
	res *resolver.Resolver,
	broadcaster ports.Broadcaster,
	persister ports.Persister,
	logger *slog.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Manager {
	mgr := &Manager{
		store:       st,
		log:         log,
		resolver:    res,
		broadcaster: broadcaster,
		persister:   persister,
		logger:      logger,
		metrics:     m,
		clock:       time.Now,
		commits:     make(chan *models.StateChange, commitBuffer),
		drained:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	go mgr.dispatch()
	return mgr
}

// UpdateEntity applies one proposed update. An unknown entity id with base
// version zero creates the entity. The returned StateChange is the
// committed record; a refused update returns a *RejectedError carrying the
// authoritative current value.
func (m *Manager) UpdateEntity(ctx context.Context, entityID string, proposed models.FieldMap, baseVersion int64, origin string) (*models.StateChange, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if len(proposed) == 0 {
		return nil, fmt.Errorf("proposed fields are required")
	}
	if baseVersion < 0 {
		return nil, fmt.Errorf("base version must not be negative")
	}

	shard := &m.shards[shardFor(entityID)]
	shard.Lock()
	start := m.clock()

	current, exists := m.store.Get(entityID)
	if !exists && baseVersion != 0 {
		shard.Unlock()
		return nil, fmt.Errorf("update entity %s: %w", entityID, sentinel.ErrNotFound)
	}

	var decision models.ConflictDecision
	if exists {
		decision = m.resolve(ctx, current, proposed, baseVersion)
	} else {
		current = &models.Entity{ID: entityID, Fields: models.FieldMap{}}
		decision = models.ConflictDecision{
			Accepted:        true,
			ResultingFields: proposed.Clone(),
			Resolution:      models.ResolutionApplied,
		}
	}

	if !decision.Accepted {
		shard.Unlock()
		m.metrics.UpdatesRejected.WithLabelValues(decision.Reason).Inc()
		return nil, &RejectedError{
			Reason:        decision.Reason,
			DroppedFields: decision.DroppedFields,
			Current:       current,
		}
	}

	now := m.clock()
	updated := &models.Entity{
		ID:             entityID,
		Fields:         decision.ResultingFields,
		Version:        current.Version + 1,
		LastModifiedBy: origin,
		LastModifiedAt: now,
	}
	change := &models.StateChange{
		ID:              uuid.NewString(),
		EntityID:        entityID,
		PreviousVersion: current.Version,
		NewVersion:      updated.Version,
		FieldDeltas:     deltas(proposed, decision),
		Origin:          origin,
		Timestamp:       now,
		Resolution:      decision.Resolution,
	}
	if err := m.commit(updated, change); err != nil {
		shard.Unlock()
		return nil, err
	}

	m.metrics.UpdateDuration.Observe(m.clock().Sub(start).Seconds())
	shard.Unlock()

	m.metrics.UpdatesAccepted.WithLabelValues(string(change.Resolution)).Inc()
	return change, nil
}

// GetEntity returns a snapshot of the current entity value.
func (m *Manager) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	e, ok := m.store.Get(entityID)
	if !ok {
		return nil, fmt.Errorf("get entity %s: %w", entityID, sentinel.ErrNotFound)
	}
	return e, nil
}

// GetChangesSince returns accepted changes for an entity after the given
// version, in commit order. Reconnecting clients replay from here. A version
// older than the retained history is refused rather than answered with a
// silently incomplete list; the caller must re-base from a snapshot.
func (m *Manager) GetChangesSince(ctx context.Context, entityID string, version int64) ([]*models.StateChange, error) {
	if _, ok := m.store.Get(entityID); !ok {
		return nil, fmt.Errorf("changes for entity %s: %w", entityID, sentinel.ErrNotFound)
	}
	if floor := m.log.Floor(entityID); version < floor {
		return nil, fmt.Errorf("changes for entity %s before version %d: %w",
			entityID, floor, sentinel.ErrHistoryTruncated)
	}
	return m.log.ChangesSince(entityID, version), nil
}

// LoadSnapshot installs entities during warm start, before serving traffic.
// The snapshot versions become the replay floor: history that produced them
// is not in memory.
func (m *Manager) LoadSnapshot(entities []*models.Entity) {
	m.store.Load(entities)
	for _, e := range entities {
		m.log.SetFloor(e.ID, e.Version)
	}
}

// Close stops accepting commits and waits for queued dispatches to drain.
func (m *Manager) Close() {
	m.commitMu.Lock()
	if m.closed {
		m.commitMu.Unlock()
		return
	}
	m.closed = true
	close(m.commits)
	m.commitMu.Unlock()
	<-m.drained
}

// resolve guards the resolver call: a panic there is an invariant violation
// that must reject this one update, not take the process down.
func (m *Manager) resolve(ctx context.Context, current *models.Entity, proposed models.FieldMap, baseVersion int64) (decision models.ConflictDecision) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "conflict resolver panicked",
				"entity_id", current.ID,
				"base_version", baseVersion,
				"panic", r,
			)
			decision = models.ConflictDecision{
				Accepted:   false,
				Resolution: models.ResolutionRejected,
				Reason:     "resolver_failure",
			}
		}
	}()
	return m.resolver.Resolve(current, proposed, baseVersion)
}

// commit installs the new entity value, appends to the changelog, and hands
// the change to the dispatch loop. All three happen under one mutex: the
// broadcast order can never diverge from changelog order, and a closed
// manager rejects the update before any of them, so the store never carries
// a version the changelog missed.
func (m *Manager) commit(updated *models.Entity, change *models.StateChange) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.closed {
		return fmt.Errorf("update entity %s: manager closed: %w", change.EntityID, sentinel.ErrUnavailable)
	}
	m.store.Put(updated)
	m.log.Append(change)
	m.commits <- change
	return nil
}

// dispatch runs post-commit side effects in commit order, outside every
// critical section: broadcast first, then the persistence hand-off.
func (m *Manager) dispatch() {
	defer close(m.drained)
	for change := range m.commits {
		if m.broadcaster != nil {
			m.broadcaster.BroadcastChange(change)
			m.metrics.ChangesBroadcast.Inc()
		}
		if m.persister != nil {
			m.persister.Enqueue(change)
		}
	}
}

// deltas picks the fields that actually changed: under field merge some
// proposed fields may have been dropped.
func deltas(proposed models.FieldMap, decision models.ConflictDecision) models.FieldMap {
	if len(decision.DroppedFields) == 0 {
		return proposed.Clone()
	}
	dropped := make(map[string]struct{}, len(decision.DroppedFields))
	for _, f := range decision.DroppedFields {
		dropped[f] = struct{}{}
	}
	out := make(models.FieldMap, len(proposed))
	for k, v := range proposed {
		if _, skip := dropped[k]; !skip {
			out[k] = v
		}
	}
	return out
}

func shardFor(entityID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return h.Sum32() % lockShards
}
