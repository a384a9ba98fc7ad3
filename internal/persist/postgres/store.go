// Package postgres persists committed changes durably: an append-only
// state_changes table plus an entities table upserted to the latest
// version. It also serves the warm-start load on boot.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"rosterd/internal/sync/models"
)

// Store writes committed changes to PostgreSQL.
type Store struct {
	db *sql.DB
}

// New constructs a PostgreSQL-backed sink over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a database handle with pool settings suited to the single
// ordered pipeline worker plus the warm-start load.
func Open(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Name implements persist.Sink.
func (s *Store) Name() string { return "postgres" }

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entities (
			id                TEXT PRIMARY KEY,
			fields            JSONB NOT NULL,
			version           BIGINT NOT NULL,
			last_modified_by  TEXT NOT NULL,
			last_modified_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS state_changes (
			id                TEXT PRIMARY KEY,
			entity_id         TEXT NOT NULL,
			previous_version  BIGINT NOT NULL,
			new_version       BIGINT NOT NULL,
			field_deltas      JSONB NOT NULL,
			origin            TEXT NOT NULL,
			committed_at      TIMESTAMPTZ NOT NULL,
			resolution        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS state_changes_entity_version_idx
			ON state_changes (entity_id, new_version);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Persist appends the change and rolls the entity forward in one
// transaction. The version guard makes redelivery after a retry idempotent:
// an older or duplicate change never regresses the entity row.
func (s *Store) Persist(ctx context.Context, change *models.StateChange) error {
	deltas, err := json.Marshal(change.FieldDeltas)
	if err != nil {
		return fmt.Errorf("marshal field deltas: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_changes (id, entity_id, previous_version, new_version, field_deltas, origin, committed_at, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, change.ID, change.EntityID, change.PreviousVersion, change.NewVersion,
		deltas, change.Origin, change.Timestamp, string(change.Resolution))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, fields, version, last_modified_by, last_modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			fields           = entities.fields || EXCLUDED.fields,
			version          = EXCLUDED.version,
			last_modified_by = EXCLUDED.last_modified_by,
			last_modified_at = EXCLUDED.last_modified_at
		WHERE entities.version < EXCLUDED.version
	`, change.EntityID, deltas, change.NewVersion, change.Origin, change.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LoadEntities returns every entity row for the warm start.
func (s *Store) LoadEntities(ctx context.Context) ([]*models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields, version, last_modified_by, last_modified_at FROM entities
	`)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var (
			e      models.Entity
			fields []byte
		)
		if err := rows.Scan(&e.ID, &fields, &e.Version, &e.LastModifiedBy, &e.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return nil, fmt.Errorf("decode fields for entity %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	return out, nil
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
