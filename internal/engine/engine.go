// Package engine runs the evaluation pipeline. Feed events are routed to a
// fixed set of worker shards by entity ID so that every entity has exactly one
// writer and its events are processed in the order they were accepted.
// Distinct entities are evaluated in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionrisk/internal/decision"
	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/ledger"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
	"github.com/alanyoungcy/positionrisk/internal/portfolio"
	"github.com/alanyoungcy/positionrisk/internal/risk"
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = domain.ErrEngineStopped

// DecisionSink receives non-hold decision events without blocking. It returns
// false when the event was dropped.
type DecisionSink interface {
	Enqueue(ev domain.DecisionEvent) bool
}

// Config tunes the worker pool.
type Config struct {
	Workers          int
	QueueSize        int
	DecisionsChannel string
	RecentDecisions  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          8,
		QueueSize:        256,
		DecisionsChannel: "decisions",
		RecentDecisions:  500,
	}
}

// Deps are the components the engine drives. Ledger, Monitor, Decider,
// Portfolio and Metrics are required; the rest are optional.
type Deps struct {
	Ledger    *ledger.Ledger
	Monitor   *risk.Monitor
	Decider   *decision.Engine
	Portfolio *portfolio.Aggregator
	Metrics   *metrics.Registry

	Sinks     []DecisionSink
	Bus       domain.SignalBus
	Decisions domain.DecisionStore
	Audit     domain.AuditStore
	Prices    domain.PriceCache
	Snapshots domain.SnapshotStore
}

type job struct {
	ev   domain.FeedEvent
	done func()
}

// subscription tracks one entity's ordering watermark and in-flight events.
type subscription struct {
	lastTS   time.Time
	inflight counter
	closing  bool
}

// Engine wires the ledger, scorer, decision engine and sinks into a pipeline.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	shards []chan job
	done   chan struct{}

	// gate is held shared by Submit and exclusively by barrier, so a barrier
	// holder sees no new events while it waits for pending to drain.
	gate    sync.RWMutex
	pending counter

	mu          sync.Mutex
	subs        map[string]*subscription
	cursor      string
	paused      bool
	pauseReason error
	recent      []domain.DecisionEvent
	last        map[string]string // position or entity -> last emitted decision

	logger *slog.Logger
}

// New creates an Engine. Call Run to start the workers.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.RecentDecisions < 1 {
		cfg.RecentDecisions = 500
	}
	shards := make([]chan job, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan job, cfg.QueueSize)
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		shards: shards,
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
		last:   make(map[string]string),
		logger: logger.With(slog.String("component", "engine")),
	}
}

// SetClock replaces the wall clock used for registrations and portfolio
// evaluation.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// AddSink attaches a sink that needs the engine itself, such as an
// Executor. It must be called before Run.
func (e *Engine) AddSink(s DecisionSink) {
	e.deps.Sinks = append(e.deps.Sinks, s)
}

// Run starts one worker per shard and blocks until ctx is cancelled. Events
// still queued at shutdown are discarded.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine: started", slog.Int("workers", len(e.shards)))
	defer e.logger.Info("engine: stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range e.shards {
		ch := ch
		g.Go(func() error {
			return e.worker(gctx, ch)
		})
	}
	err := g.Wait()

	close(e.done)
	for _, ch := range e.shards {
		discard(ch)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) worker(ctx context.Context, ch <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-ch:
			e.process(ctx, j.ev)
			j.done()
		}
	}
}

func discard(ch chan job) {
	for {
		select {
		case j := <-ch:
			j.done()
		default:
			return
		}
	}
}

func (e *Engine) shardFor(entityID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Submit validates ev and queues it for its entity's worker. Events for an
// entity must arrive with non-decreasing timestamps; a regression is rejected
// with *domain.OutOfOrderError and nothing is applied. Transactions require
// the entity to be registered; price ticks implicitly track their entity.
func (e *Engine) Submit(ctx context.Context, ev domain.FeedEvent) error {
	if err := ev.Validate(); err != nil {
		e.deps.Metrics.EventsRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("engine: submit: %w", err)
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	select {
	case <-e.done:
		return ErrStopped
	default:
	}

	e.mu.Lock()
	if e.paused {
		reason := e.pauseReason
		e.mu.Unlock()
		e.deps.Metrics.EventsRejected.WithLabelValues("paused").Inc()
		return fmt.Errorf("engine: submit %s: %w (%v)", ev.EntityID, domain.ErrPipelinePaused, reason)
	}
	sub, ok := e.subs[ev.EntityID]
	if !ok || sub.closing {
		if ev.Kind == domain.FeedEventTransaction || ok {
			e.mu.Unlock()
			e.deps.Metrics.EventsRejected.WithLabelValues("unknown_entity").Inc()
			return fmt.Errorf("engine: submit %s: %w", ev.EntityID, domain.ErrUnknownEntity)
		}
		sub = &subscription{}
		e.subs[ev.EntityID] = sub
	}
	if ev.Timestamp.Before(sub.lastTS) {
		last := sub.lastTS
		e.mu.Unlock()
		e.deps.Metrics.EventsRejected.WithLabelValues("out_of_order").Inc()
		return &domain.OutOfOrderError{EntityID: ev.EntityID, Timestamp: ev.Timestamp, Last: last}
	}
	prevTS := sub.lastTS
	sub.lastTS = ev.Timestamp
	if ev.Cursor != "" {
		e.cursor = ev.Cursor
	}
	sub.inflight.add()
	e.pending.add()
	e.mu.Unlock()

	j := job{ev: ev, done: func() {
		sub.inflight.done()
		e.pending.done()
	}}

	select {
	case e.shardFor(ev.EntityID) <- j:
		return nil
	case <-e.done:
		j.done()
		return ErrStopped
	case <-ctx.Done():
		e.mu.Lock()
		if sub.lastTS.Equal(ev.Timestamp) {
			sub.lastTS = prevTS
		}
		e.mu.Unlock()
		j.done()
		return ctx.Err()
	}
}

// Register starts monitoring an entity. Its events are accepted from now on.
func (e *Engine) Register(ctx context.Context, ent domain.MonitoredEntity) (domain.MonitoredEntity, error) {
	rec, err := e.deps.Monitor.Register(ent, e.now())
	if err != nil {
		return domain.MonitoredEntity{}, err
	}
	e.mu.Lock()
	if _, ok := e.subs[rec.ID]; !ok {
		e.subs[rec.ID] = &subscription{}
	}
	e.mu.Unlock()
	e.audit(ctx, "entity_registered", map[string]any{"entity_id": rec.ID, "kind": string(rec.Kind), "token_id": rec.TokenID})
	return rec, nil
}

// Unsubscribe stops accepting events for entityID, waits for its in-flight
// events to finish, then drops its monitoring state. In-flight work is
// drained, never aborted; ctx only bounds how long the caller waits.
func (e *Engine) Unsubscribe(ctx context.Context, entityID string) error {
	e.mu.Lock()
	sub, ok := e.subs[entityID]
	if !ok || sub.closing {
		e.mu.Unlock()
		return fmt.Errorf("engine: unsubscribe %s: %w", entityID, domain.ErrUnknownEntity)
	}
	sub.closing = true
	e.mu.Unlock()

	if err := sub.inflight.wait(ctx); err != nil {
		return fmt.Errorf("engine: unsubscribe %s: %w", entityID, err)
	}

	e.mu.Lock()
	delete(e.subs, entityID)
	e.mu.Unlock()
	e.deps.Monitor.Remove(entityID)
	e.forget(entityKey(entityID))

	e.logger.Info("engine: entity unsubscribed", slog.String("entity_id", entityID))
	e.audit(ctx, "entity_unsubscribed", map[string]any{"entity_id": entityID})
	return nil
}

// Reset clears an entity's critical latch.
func (e *Engine) Reset(ctx context.Context, entityID string, rebaseline bool) (domain.MonitoredEntity, error) {
	rec, err := e.deps.Monitor.Reset(entityID, rebaseline, e.now())
	if err != nil {
		return domain.MonitoredEntity{}, err
	}
	e.audit(ctx, "entity_reset", map[string]any{"entity_id": entityID, "rebaseline": rebaseline})
	return rec, nil
}

// Flush blocks until every accepted event has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	release, err := e.barrier(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// barrier stops intake and waits for pending events to drain. The caller
// must call release.
func (e *Engine) barrier(ctx context.Context) (release func(), err error) {
	e.gate.Lock()
	if err := e.pending.wait(ctx); err != nil {
		e.gate.Unlock()
		return nil, fmt.Errorf("engine: barrier: %w", err)
	}
	return e.gate.Unlock, nil
}

// counter is a WaitGroup whose wait can be abandoned via ctx and which may be
// reused while an abandoned wait is still outstanding.
type counter struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (c *counter) add() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
}

func (c *counter) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	if c.n == 0 {
		close(c.zero)
	}
}

func (c *counter) wait(ctx context.Context) error {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return nil
	}
	zero := c.zero
	c.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops intake after a fatal error. Submit fails with
// domain.ErrPipelinePaused until Resume succeeds.
func (e *Engine) Pause(reason error) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.pauseReason = reason
	e.mu.Unlock()

	e.deps.Metrics.EnginePaused.Set(1)
	if !already {
		e.logger.Error("engine: paused", slog.String("reason", reason.Error()))
	}
}

// Resume re-verifies persistence, when configured, by saving a snapshot and
// only then accepts events again.
func (e *Engine) Resume(ctx context.Context) error {
	if e.deps.Snapshots != nil {
		if err := e.persist(ctx); err != nil {
			return fmt.Errorf("engine: resume: %w", err)
		}
	}
	e.mu.Lock()
	was := e.paused
	e.paused = false
	e.pauseReason = nil
	e.mu.Unlock()

	e.deps.Metrics.EnginePaused.Set(0)
	if was {
		e.logger.Info("engine: resumed")
	}
	return nil
}

// Paused reports whether intake is paused and why.
func (e *Engine) Paused() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused, e.pauseReason
}

// Cursor returns the stream position of the last accepted event.
func (e *Engine) Cursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Open records a new position. Its cost enters the portfolio as an
// external flow.
func (e *Engine) Open(ctx context.Context, spec domain.EntrySpec) (string, error) {
	before := e.portfolioValue()
	id, err := e.deps.Ledger.Open(spec)
	if err != nil {
		return "", err
	}
	if e.deps.Prices != nil {
		if price, ts, err := e.deps.Prices.GetPrice(ctx, spec.TokenID); err == nil && price > 0 && !ts.Before(spec.Timestamp) {
			if _, err := e.deps.Ledger.MarkPrice(id, price, ts); err != nil {
				e.logger.WarnContext(ctx, "engine: initial mark failed", slog.String("position_id", id), slog.String("error", err.Error()))
			}
		}
	}
	e.audit(ctx, "position_opened", map[string]any{
		"position_id": id,
		"token_id":    spec.TokenID,
		"price":       spec.Price,
		"quantity":    spec.Quantity,
	})
	cost := pnl.D(spec.Price).Mul(pnl.D(spec.Quantity)).Add(pnl.D(spec.Fees))
	e.bookFlow(before, cost.InexactFloat64())
	return id, nil
}

// ApplyExit records an exit against a position. Its proceeds leave the
// portfolio as an external flow.
func (e *Engine) ApplyExit(ctx context.Context, req domain.ExitRequest) (domain.ExitResult, error) {
	before := e.portfolioValue()
	res, err := e.deps.Ledger.ApplyExit(req)
	if err != nil {
		return domain.ExitResult{}, err
	}
	if res.Status == domain.PositionStatusClosed {
		e.forget(req.PositionID)
	}
	if !res.Duplicate {
		e.audit(ctx, "position_exit", map[string]any{
			"position_id":  req.PositionID,
			"quantity":     req.Quantity,
			"price":        req.Price,
			"realized_pnl": res.RealizedPnL,
			"remaining":    res.Remaining,
			"status":       string(res.Status),
		})
		proceeds := pnl.D(req.Price).Mul(pnl.D(req.Quantity)).Sub(pnl.D(req.Fees))
		e.bookFlow(before, proceeds.Neg().InexactFloat64())
	}
	return res, nil
}

func (e *Engine) portfolioValue() float64 {
	total, _ := portfolio.TokenValues(e.deps.Ledger.List(domain.PositionFilter{}))
	return total
}

// bookFlow records capital entering or leaving and re-evaluates the
// portfolio, so peak and history move even when no price tick follows.
func (e *Engine) bookFlow(before, flow float64) {
	now := e.now()
	e.deps.Portfolio.RecordFlow(before, flow, now)
	e.refreshPortfolio(now)
}

// EntryProposal is a candidate buy to be checked and sized.
type EntryProposal struct {
	TokenID         string  `json:"token_id"`
	Price           float64 `json:"price"`
	Value           float64 `json:"value,omitempty"`
	MaxRiskFraction float64 `json:"max_risk_fraction,omitempty"`
}

// EntryEvaluation is the engine's answer to an EntryProposal.
type EntryEvaluation struct {
	Action      domain.Action `json:"action"`
	ReasonCodes []string      `json:"reason_codes"`
	RiskScore   int           `json:"risk_score"`
	Quantity    float64       `json:"quantity"`
}

// EvaluateEntry decides whether a new entry into a token is allowed and how
// large it may be. It does not change any state.
func (e *Engine) EvaluateEntry(p EntryProposal) EntryEvaluation {
	score, _ := e.deps.Monitor.ScoreForToken(p.TokenID)
	total, byToken := portfolio.TokenValues(e.deps.Ledger.List(domain.PositionFilter{}))

	qty, sizeReasons := e.deps.Decider.SizeEntry(decision.SizingInput{
		TotalValue:         total,
		ExistingTokenValue: byToken[p.TokenID],
		Price:              p.Price,
		MaxRiskFraction:    p.MaxRiskFraction,
		RiskScore:          score,
	})
	value := p.Value
	if value <= 0 {
		value = qty * p.Price
	}

	d := e.deps.Decider.Decide(decision.Input{
		RiskScore: score,
		Portfolio: decision.PortfolioContext{
			TotalValue:  total,
			TokenValues: byToken,
			Proposed:    &decision.ProposedEntry{TokenID: p.TokenID, Value: value},
		},
	})
	out := EntryEvaluation{Action: d.Action, ReasonCodes: d.ReasonCodes, RiskScore: score}
	if d.Action.Kind != domain.ActionRejectEntry {
		out.Quantity = qty
		out.ReasonCodes = append(out.ReasonCodes, sizeReasons...)
	}
	return out
}

// Positions lists positions matching filter.
func (e *Engine) Positions(filter domain.PositionFilter) []domain.Position {
	return e.deps.Ledger.List(filter)
}

// Position returns one position.
func (e *Engine) Position(id string) (domain.Position, error) {
	return e.deps.Ledger.Get(id)
}

// Entities lists monitored entities.
func (e *Engine) Entities() []domain.MonitoredEntity {
	return e.deps.Monitor.List()
}

// Entity returns one monitored entity.
func (e *Engine) Entity(id string) (domain.MonitoredEntity, error) {
	return e.deps.Monitor.Get(id)
}

// Portfolio returns the current portfolio summary without recording it.
func (e *Engine) Portfolio() domain.PortfolioSummary {
	return e.deps.Portfolio.View(e.deps.Ledger.List(domain.PositionFilter{}), e.now())
}

// RecentDecisions returns up to limit emitted decisions, newest first.
func (e *Engine) RecentDecisions(limit int) []domain.DecisionEvent {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.DecisionEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		ev := e.recent[i]
		ev.ReasonCodes = append([]string(nil), ev.ReasonCodes...)
		out = append(out, ev)
	}
	return out
}

func (e *Engine) remember(ev domain.DecisionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, ev)
	if overflow := len(e.recent) - e.cfg.RecentDecisions; overflow > 0 {
		e.recent = append([]domain.DecisionEvent(nil), e.recent[overflow:]...)
	}
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.deps.Audit == nil {
		return
	}
	if err := e.deps.Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "engine: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
