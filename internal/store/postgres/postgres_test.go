package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/risk?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "risk"}))
	assert.Equal(t, "postgres://u:p@db:6543/risk?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "risk", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	q, args := listQuery("SELECT * FROM decisions WHERE entity_id = $1", []any{"MINT"}, "ts",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT * FROM decisions WHERE entity_id = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"MINT", since, 10, 20}, args)

	q, args = listQuery("SELECT * FROM audit_log WHERE 1=1", nil, "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}

// TestStores_Integration runs against a real database when
// RISKD_TEST_POSTGRES_DSN is set.
func TestStores_Integration(t *testing.T) {
	dsn := os.Getenv("RISKD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RISKD_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations are idempotent")

	snaps := NewSnapshotStore(c.Pool(), 2)
	taken := time.Now().UTC().Truncate(time.Millisecond)
	for i, cursor := range []string{"1-0", "2-0", "3-0"} {
		require.NoError(t, snaps.Save(ctx, domain.EngineSnapshot{
			FeedCursor: cursor,
			PeakValue:  float64(1000 + i),
			TakenAt:    taken,
		}))
	}
	got, err := snaps.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3-0", got.FeedCursor)
	assert.Equal(t, 1002.0, got.PeakValue)

	var n int
	require.NoError(t, c.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM engine_snapshots`).Scan(&n))
	assert.LessOrEqual(t, n, 2)

	decisions := NewDecisionStore(c.Pool())
	entity := "it-" + uuid.NewString()
	ev := domain.DecisionEvent{
		ID:          uuid.NewString(),
		EntityID:    entity,
		PositionID:  "pos-1",
		TokenID:     "MINT",
		Action:      domain.PartialExit(0.5),
		RiskScore:   55,
		ReasonCodes: []string{domain.ReasonRiskElevated},
		Price:       1.5,
		Timestamp:   taken,
	}
	require.NoError(t, decisions.Insert(ctx, ev))
	require.NoError(t, decisions.Insert(ctx, ev), "duplicate ids are ignored")

	list, err := decisions.ListByEntity(ctx, entity, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ev.Action, list[0].Action)
	assert.Equal(t, ev.ReasonCodes, list[0].ReasonCodes)

	audit := NewAuditStore(c.Pool())
	require.NoError(t, audit.Log(ctx, "position_opened", map[string]any{"position_id": "pos-1"}))
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "position_opened", entries[0].Event)
}
