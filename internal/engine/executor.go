package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
)

var _ DecisionSink = (*Executor)(nil)

// Executor turns exit decisions into broker orders and books the fills
// through the engine. The same position/action pair is not re-submitted
// within the cool-down.
type Executor struct {
	engine   *Engine
	broker   domain.Broker
	dedup    domain.DedupStore
	cooldown time.Duration
	queue    chan domain.DecisionEvent
	now      func() time.Time
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(e *Engine, broker domain.Broker, dedup domain.DedupStore, cooldown time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		engine:   e,
		broker:   broker,
		dedup:    dedup,
		cooldown: cooldown,
		queue:    make(chan domain.DecisionEvent, 256),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Enqueue accepts exit decisions for execution. Other actions are ignored.
func (x *Executor) Enqueue(ev domain.DecisionEvent) bool {
	if !ev.Action.IsExit() || ev.PositionID == "" {
		return true
	}
	select {
	case x.queue <- ev:
		return true
	default:
		x.logger.Warn("executor: queue full, dropping exit",
			slog.String("position_id", ev.PositionID),
			slog.String("action", ev.Action.String()),
		)
		return false
	}
}

// Run executes queued exits until ctx is cancelled.
func (x *Executor) Run(ctx context.Context) error {
	x.logger.Info("executor: started")
	defer x.logger.Info("executor: stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-x.queue:
			if err := x.Execute(ctx, ev); err != nil {
				x.logger.Error("executor: exit failed",
					slog.String("position_id", ev.PositionID),
					slog.String("action", ev.Action.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Execute submits the order for one exit decision and applies its fill.
func (x *Executor) Execute(ctx context.Context, ev domain.DecisionEvent) error {
	key := fmt.Sprintf("exec:%s:%s", ev.PositionID, ev.Action.Kind)
	if x.dedup != nil {
		seen, err := x.dedup.Seen(ctx, key, x.cooldown)
		if err != nil {
			return fmt.Errorf("executor: dedup: %w", err)
		}
		if seen {
			x.logger.Debug("executor: exit in cool-down", slog.String("position_id", ev.PositionID))
			return nil
		}
	}

	pos, err := x.engine.Position(ev.PositionID)
	if err != nil {
		return err
	}
	if pos.Status.IsTerminal() {
		return nil
	}
	qty := exitQuantity(pos.RemainingQuantity, ev.Action)
	if qty <= 0 {
		return nil
	}

	reason := ""
	if len(ev.ReasonCodes) > 0 {
		reason = ev.ReasonCodes[0]
	}
	order := domain.Order{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		TokenID:    pos.TokenID,
		Side:       domain.OrderSideSell,
		Quantity:   qty,
		LimitPrice: ev.Price,
		Reason:     reason,
		CreatedAt:  x.now().UTC(),
	}
	fill, err := x.broker.Submit(ctx, order)
	if err != nil {
		return fmt.Errorf("executor: submit order %s: %w", order.ID, err)
	}
	if fill.Quantity <= 0 {
		return nil
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = x.now().UTC()
	}

	res, err := x.engine.ApplyExit(ctx, domain.ExitRequest{
		PositionID:     pos.ID,
		Quantity:       fill.Quantity,
		Price:          fill.Price,
		Fees:           fill.Fees,
		Timestamp:      fill.FilledAt,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		return fmt.Errorf("executor: apply fill %s: %w", order.ID, err)
	}
	x.logger.Info("executor: exit filled",
		slog.String("position_id", pos.ID),
		slog.String("order_id", order.ID),
		slog.Float64("quantity", fill.Quantity),
		slog.Float64("price", fill.Price),
		slog.Float64("realized_pnl", res.RealizedPnL),
		slog.String("status", string(res.Status)),
	)
	return nil
}

// exitQuantity is the quantity an action removes from remaining.
func exitQuantity(remaining float64, a domain.Action) float64 {
	switch a.Kind {
	case domain.ActionFullExit:
		return remaining
	case domain.ActionPartialExit:
		q := pnl.D(remaining).Mul(pnl.D(a.Fraction))
		return decimal.Min(q, pnl.D(remaining)).InexactFloat64()
	default:
		return 0
	}
}
