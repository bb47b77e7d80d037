package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EngineSnapshot is the persisted state needed to rehydrate the engine.
// FeedCursor is the last stream position folded into the snapshot; replay
// resumes strictly after it.
type EngineSnapshot struct {
	Positions   []Position           `json:"positions"`
	Entities    []MonitoredEntity    `json:"entities"`
	LastEventAt map[string]time.Time `json:"last_event_at"`
	PeakValue   float64              `json:"peak_value"`
	History     []DailySnapshot      `json:"history,omitempty"`
	FeedCursor  string               `json:"feed_cursor,omitempty"`
	TakenAt     time.Time            `json:"taken_at"`
}

// SnapshotStore persists engine snapshots. Load returns ErrNotFound when no
// snapshot has been saved yet.
type SnapshotStore interface {
	Save(ctx context.Context, snap EngineSnapshot) error
	Load(ctx context.Context) (EngineSnapshot, error)
}

// DecisionStore persists emitted decision events.
type DecisionStore interface {
	Insert(ctx context.Context, ev DecisionEvent) error
	ListRecent(ctx context.Context, opts ListOpts) ([]DecisionEvent, error)
	ListByEntity(ctx context.Context, entityID string, opts ListOpts) ([]DecisionEvent, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of ledger commands.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
