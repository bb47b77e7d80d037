package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionrisk/internal/decision"
	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/portfolio"
)

// process runs one event through ledger -> pnl -> risk -> decision -> sinks.
// It is only ever called from the entity's shard worker.
func (e *Engine) process(ctx context.Context, ev domain.FeedEvent) {
	start := time.Now()
	defer func() {
		e.deps.Metrics.PipelineLatency.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
	}()

	switch ev.Kind {
	case domain.FeedEventPriceTick:
		e.onPriceTick(ctx, ev)
	case domain.FeedEventTransaction:
		e.onTransaction(ctx, ev)
	}
	e.deps.Metrics.EventsProcessed.WithLabelValues(string(ev.Kind)).Inc()
}

func (e *Engine) onPriceTick(ctx context.Context, ev domain.FeedEvent) {
	token := ev.TokenID()
	price := ev.Tick.Price

	if e.deps.Prices != nil {
		if err := e.deps.Prices.SetPrice(ctx, token, price, ev.Timestamp); err != nil {
			e.logger.WarnContext(ctx, "engine: price cache write failed",
				slog.String("token_id", token),
				slog.String("error", err.Error()),
			)
		}
	}

	marked := 0
	for _, p := range e.deps.Ledger.OpenByToken(token) {
		changed, err := e.deps.Ledger.MarkPrice(p.ID, price, ev.Timestamp)
		if err != nil {
			e.logger.WarnContext(ctx, "engine: mark price failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			marked++
		}
	}
	if marked == 0 {
		return
	}

	score, _ := e.deps.Monitor.ScoreForToken(token)
	e.evaluate(ctx, ev.EntityID, token, score, nil, ev.Timestamp)
}

func (e *Engine) onTransaction(ctx context.Context, ev domain.FeedEvent) {
	before, err := e.deps.Monitor.Get(ev.EntityID)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: transaction for unmonitored entity",
			slog.String("entity_id", ev.EntityID),
		)
		return
	}
	a, after, err := e.deps.Monitor.Observe(ev.EntityID, *ev.Transaction, ev.Timestamp)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: observe failed",
			slog.String("entity_id", ev.EntityID),
			slog.String("error", err.Error()),
		)
		return
	}

	token := after.TokenID
	if token == "" {
		return
	}
	score, _ := e.deps.Monitor.ScoreForToken(token)

	if e.evaluate(ctx, ev.EntityID, token, score, a.ReasonCodes, ev.Timestamp) > 0 {
		return
	}

	// Nothing held: on a state change, tell operators whether new entries
	// into the token are still allowed.
	if before.State == after.State {
		return
	}
	d := e.deps.Decider.Decide(decision.Input{RiskScore: score})
	if d.Action.Kind == domain.ActionHold || !e.changed(entityKey(ev.EntityID), d) {
		return
	}
	e.emit(ctx, domain.DecisionEvent{
		ID:          uuid.New().String(),
		EntityID:    ev.EntityID,
		TokenID:     token,
		Action:      d.Action,
		RiskScore:   score,
		ReasonCodes: mergeReasons(d.ReasonCodes, a.ReasonCodes),
		Timestamp:   ev.Timestamp,
	})
}

// evaluate decides on every open position in token and returns how many
// positions were evaluated.
func (e *Engine) evaluate(ctx context.Context, entityID, token string, score int, riskReasons []string, ts time.Time) int {
	positions := e.deps.Ledger.OpenByToken(token)
	if len(positions) == 0 {
		return 0
	}

	all := e.deps.Ledger.List(domain.PositionFilter{})
	total, byToken := portfolio.TokenValues(all)
	pc := decision.PortfolioContext{TotalValue: total, TokenValues: byToken}

	for i := range positions {
		p := positions[i]
		d := e.deps.Decider.Decide(decision.Input{Position: &p, RiskScore: score, Portfolio: pc})
		e.deps.Metrics.Decisions.WithLabelValues(string(d.Action.Kind)).Inc()
		if d.Action.Kind == domain.ActionHold {
			e.forget(p.ID)
			continue
		}
		if !e.changed(p.ID, d) {
			continue
		}
		if hasReason(d.ReasonCodes, domain.ReasonTakeProfit) {
			won, err := e.deps.Ledger.MarkTakeProfitTaken(p.ID)
			if err != nil || !won {
				continue
			}
		}
		e.emit(ctx, domain.DecisionEvent{
			ID:          uuid.New().String(),
			EntityID:    entityID,
			PositionID:  p.ID,
			TokenID:     token,
			Action:      d.Action,
			RiskScore:   score,
			ReasonCodes: mergeReasons(d.ReasonCodes, riskReasons),
			Price:       p.CurrentPrice,
			Timestamp:   ts,
		})
	}

	e.refreshPortfolio(e.now())
	return len(positions)
}

// refreshPortfolio records the current value and updates the gauges.
func (e *Engine) refreshPortfolio(now time.Time) {
	s := e.deps.Portfolio.Evaluate(e.deps.Ledger.List(domain.PositionFilter{}), now)
	e.deps.Metrics.OpenPositions.Set(float64(s.OpenPositions))
	e.deps.Metrics.PortfolioValue.Set(s.TotalValue)
	e.deps.Metrics.PortfolioDrawdown.Set(s.Drawdown)
}

// emit fans a decision out to the sinks, the bus and the decision store.
// Failures are logged; they never stop the pipeline.
func (e *Engine) emit(ctx context.Context, ev domain.DecisionEvent) {
	e.remember(ev)
	e.logger.InfoContext(ctx, "engine: decision",
		slog.String("event_id", ev.ID),
		slog.String("entity_id", ev.EntityID),
		slog.String("position_id", ev.PositionID),
		slog.String("action", ev.Action.String()),
		slog.Int("risk_score", ev.RiskScore),
		slog.Any("reasons", ev.ReasonCodes),
	)

	for _, s := range e.deps.Sinks {
		s.Enqueue(ev)
	}

	if e.deps.Bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = e.deps.Bus.Publish(ctx, e.cfg.DecisionsChannel, payload)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "engine: publish decision failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.deps.Decisions != nil {
		if err := e.deps.Decisions.Insert(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "engine: store decision failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// changed records d as the latest decision for key and reports whether it
// differs from the previous one. A persisting condition is emitted once.
func (e *Engine) changed(key string, d decision.Decision) bool {
	sig := d.Action.String()
	if len(d.ReasonCodes) > 0 {
		sig += "|" + d.ReasonCodes[0]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last[key] == sig {
		return false
	}
	e.last[key] = sig
	return true
}

// entityKey keys entity-level decisions apart from position IDs.
func entityKey(id string) string { return "entity:" + id }

func (e *Engine) forget(key string) {
	e.mu.Lock()
	delete(e.last, key)
	e.mu.Unlock()
}

func hasReason(reasons []string, r string) bool {
	for _, x := range reasons {
		if x == r {
			return true
		}
	}
	return false
}

// mergeReasons returns the decision reasons followed by any risk reasons not
// already present.
func mergeReasons(decisionReasons, riskReasons []string) []string {
	out := make([]string, 0, len(decisionReasons)+len(riskReasons))
	out = append(out, decisionReasons...)
	for _, r := range riskReasons {
		if !hasReason(out, r) {
			out = append(out, r)
		}
	}
	return out
}
