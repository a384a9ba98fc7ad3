// Package redis keeps a snapshot cache of current entity values. It is a
// secondary sink: faster warm starts and a live read replica for tooling,
// with PostgreSQL remaining the durable source of truth.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterd/internal/sync/models"
)

const (
	fieldsKeyPrefix = "roster:entity:"
	metaKeyPrefix   = "roster:meta:"
)

// Store mirrors entity snapshots into Redis hashes.
type Store struct {
	client *redis.Client
}

// New constructs a Redis-backed snapshot sink.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Name implements persist.Sink.
func (s *Store) Name() string { return "redis" }

// Persist applies the change's field deltas onto the entity's hash. The
// pipeline delivers changes in commit order from a single worker, so
// last-write here matches the authoritative version sequence.
func (s *Store) Persist(ctx context.Context, change *models.StateChange) error {
	fieldsKey := fieldsKeyPrefix + change.EntityID
	metaKey := metaKeyPrefix + change.EntityID

	deltas := make(map[string]string, len(change.FieldDeltas))
	for field, value := range change.FieldDeltas {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal field %s: %w", field, err)
		}
		deltas[field] = string(encoded)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(deltas) > 0 {
			pipe.HSet(ctx, fieldsKey, deltas)
		}
		pipe.HSet(ctx, metaKey,
			"version", change.NewVersion,
			"modified_by", change.Origin,
			"modified_at", change.Timestamp.Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write snapshot for entity %s: %w", change.EntityID, err)
	}
	return nil
}

// LoadEntities scans all entity snapshots for the warm start.
func (s *Store) LoadEntities(ctx context.Context) ([]*models.Entity, error) {
	var out []*models.Entity

	iter := s.client.Scan(ctx, 0, metaKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entityID := iter.Val()[len(metaKeyPrefix):]
		e, err := s.loadEntity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return out, nil
}

func (s *Store) loadEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	meta, err := s.client.HGetAll(ctx, metaKeyPrefix+entityID).Result()
	if err != nil {
		return nil, fmt.Errorf("load meta for entity %s: %w", entityID, err)
	}
	raw, err := s.client.HGetAll(ctx, fieldsKeyPrefix+entityID).Result()
	if err != nil {
		return nil, fmt.Errorf("load fields for entity %s: %w", entityID, err)
	}

	version, err := strconv.ParseInt(meta["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version for entity %s: %w", entityID, err)
	}
	modifiedAt, err := time.Parse(time.RFC3339Nano, meta["modified_at"])
	if err != nil {
		return nil, fmt.Errorf("parse modified_at for entity %s: %w", entityID, err)
	}

	fields := make(models.FieldMap, len(raw))
	for field, encoded := range raw {
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decode field %s for entity %s: %w", field, entityID, err)
		}
		fields[field] = value
	}

	return &models.Entity{
		ID:             entityID,
		Fields:         fields,
		Version:        version,
		LastModifiedBy: meta["modified_by"],
		LastModifiedAt: modifiedAt,
	}, nil
}

// Health checks Redis connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
