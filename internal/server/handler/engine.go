package handler

import (
	"context"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/engine"
)

// Engine is the engine surface served over HTTP. *engine.Engine implements
// it.
type Engine interface {
	Positions(filter domain.PositionFilter) []domain.Position
	Position(id string) (domain.Position, error)
	Open(ctx context.Context, spec domain.EntrySpec) (string, error)
	ApplyExit(ctx context.Context, req domain.ExitRequest) (domain.ExitResult, error)

	Entities() []domain.MonitoredEntity
	Entity(id string) (domain.MonitoredEntity, error)
	Register(ctx context.Context, ent domain.MonitoredEntity) (domain.MonitoredEntity, error)
	Unsubscribe(ctx context.Context, entityID string) error
	Reset(ctx context.Context, entityID string, rebaseline bool) (domain.MonitoredEntity, error)

	Portfolio() domain.PortfolioSummary
	EvaluateEntry(p engine.EntryProposal) engine.EntryEvaluation
	RecentDecisions(limit int) []domain.DecisionEvent

	Paused() (bool, error)
	Resume(ctx context.Context) error
	Cursor() string
}

var _ Engine = (*engine.Engine)(nil)
