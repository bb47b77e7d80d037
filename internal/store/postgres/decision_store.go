package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// DecisionStore implements domain.DecisionStore using PostgreSQL.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a DecisionStore backed by the given pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

const decisionSelectCols = `id, entity_id, position_id, token_id, action, fraction,
	risk_score, reason_codes, price, ts`

// Insert stores ev. Re-inserting the same event ID is a no-op.
func (s *DecisionStore) Insert(ctx context.Context, ev domain.DecisionEvent) error {
	const query = `
		INSERT INTO decisions (
			id, entity_id, position_id, token_id, action, fraction,
			risk_score, reason_codes, price, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	reasons := ev.ReasonCodes
	if reasons == nil {
		reasons = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.EntityID, ev.PositionID, ev.TokenID,
		string(ev.Action.Kind), ev.Action.Fraction,
		ev.RiskScore, reasons, ev.Price, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert decision %s: %w", ev.ID, err)
	}
	return nil
}

// ListRecent returns decisions newest first.
func (s *DecisionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.DecisionEvent, error) {
	query, args := listQuery(`SELECT `+decisionSelectCols+` FROM decisions WHERE 1=1`, nil, "ts", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisionRows(rows)
}

// ListByEntity returns the decisions raised by one entity, newest first.
func (s *DecisionStore) ListByEntity(ctx context.Context, entityID string, opts domain.ListOpts) ([]domain.DecisionEvent, error) {
	query, args := listQuery(`SELECT `+decisionSelectCols+` FROM decisions WHERE entity_id = $1`, []any{entityID}, "ts", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions for %s: %w", entityID, err)
	}
	defer rows.Close()
	return scanDecisionRows(rows)
}

func scanDecisionRows(rows pgx.Rows) ([]domain.DecisionEvent, error) {
	var out []domain.DecisionEvent
	for rows.Next() {
		var (
			ev   domain.DecisionEvent
			kind string
		)
		if err := rows.Scan(
			&ev.ID, &ev.EntityID, &ev.PositionID, &ev.TokenID,
			&kind, &ev.Action.Fraction,
			&ev.RiskScore, &ev.ReasonCodes, &ev.Price, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan decision: %w", err)
		}
		ev.Action.Kind = domain.ActionKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: decision rows: %w", err)
	}
	return out, nil
}

var _ domain.DecisionStore = (*DecisionStore)(nil)
