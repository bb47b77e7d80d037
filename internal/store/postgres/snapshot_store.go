package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// defaultSnapshotRetention is how many snapshots Save keeps.
const defaultSnapshotRetention = 20

// SnapshotStore implements domain.SnapshotStore. Each Save appends a row
// holding the full engine state as JSONB and prunes all but the newest
// retain rows in the same transaction.
type SnapshotStore struct {
	pool   *pgxpool.Pool
	retain int
}

// NewSnapshotStore creates a SnapshotStore. retain <= 0 uses the default.
func NewSnapshotStore(pool *pgxpool.Pool, retain int) *SnapshotStore {
	if retain <= 0 {
		retain = defaultSnapshotRetention
	}
	return &SnapshotStore{pool: pool, retain: retain}
}

// Save persists snap.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.EngineSnapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO engine_snapshots (taken_at, feed_cursor, positions, entities, state)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insert,
		snap.TakenAt, snap.FeedCursor, len(snap.Positions), len(snap.Entities), state,
	); err != nil {
		return fmt.Errorf("postgres: insert snapshot: %w", err)
	}

	const prune = `
		DELETE FROM engine_snapshots
		WHERE id NOT IN (SELECT id FROM engine_snapshots ORDER BY id DESC LIMIT $1)`
	if _, err := tx.Exec(ctx, prune, s.retain); err != nil {
		return fmt.Errorf("postgres: prune snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit snapshot: %w", err)
	}
	return nil
}

// Load returns the newest snapshot, or domain.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context) (domain.EngineSnapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM engine_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EngineSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("postgres: load snapshot: %w", err)
	}

	var snap domain.EngineSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return domain.EngineSnapshot{}, fmt.Errorf("postgres: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
