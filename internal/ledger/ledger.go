// Package ledger owns the lifecycle of positions: it applies entries, exits
// and marks and enforces the bookkeeping invariants on remaining quantity.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
)

// record is the ledger's private view of a position. remaining is kept in
// decimal and is the source of truth for Position.RemainingQuantity.
type record struct {
	pos       domain.Position
	remaining decimal.Decimal
	results   map[string]domain.ExitResult // idempotency key -> original result
}

// Ledger is an in-memory, concurrency-safe position book.
type Ledger struct {
	mu       sync.RWMutex
	records  map[string]*record
	order    []string
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an empty Ledger.
func New(logger *slog.Logger) *Ledger {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Ledger{
		records:  make(map[string]*record),
		validate: v,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// SetClock overrides the clock used when a command carries no timestamp.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Open validates spec and records a new open position.
func (l *Ledger) Open(spec domain.EntrySpec) (string, error) {
	if err := l.validate.Struct(spec); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return "", fmt.Errorf("ledger: open: %w", &domain.InvalidEntryError{
				Field: fe.Field(),
				Rule:  fe.Tag(),
				Value: fe.Value(),
			})
		}
		return "", fmt.Errorf("ledger: open: %w: %v", domain.ErrInvalidEntry, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	opened := spec.Timestamp
	if opened.IsZero() {
		opened = l.now()
	}
	qty := pnl.D(spec.Quantity)
	cost := pnl.D(spec.Price).Mul(qty).Add(pnl.D(spec.Fees))

	pos := domain.Position{
		ID:                uuid.New().String(),
		TokenID:           spec.TokenID,
		Venue:             spec.Venue,
		SourceRef:         spec.SourceRef,
		EntryPrice:        spec.Price,
		EntryQuantity:     spec.Quantity,
		EntryFees:         spec.Fees,
		CostBasis:         cost.InexactFloat64(),
		OpenedAt:          opened,
		CurrentPrice:      spec.Price,
		RemainingQuantity: spec.Quantity,
		LastPriceAt:       opened,
		StopLoss:          spec.StopLoss,
		TakeProfit:        spec.TakeProfit,
		MaxRiskFraction:   spec.MaxRiskFraction,
		Status:            domain.PositionStatusOpen,
		Exits:             []domain.ExitRecord{},
	}
	pos = pos.Clone()
	refresh(&pos)

	l.records[pos.ID] = &record{
		pos:       pos,
		remaining: qty,
		results:   make(map[string]domain.ExitResult),
	}
	l.order = append(l.order, pos.ID)

	l.logger.Info("ledger: position opened",
		slog.String("position_id", pos.ID),
		slog.String("token_id", pos.TokenID),
		slog.Float64("price", pos.EntryPrice),
		slog.Float64("quantity", pos.EntryQuantity),
	)
	return pos.ID, nil
}

// ApplyExit reduces a position by req.Quantity at req.Price. A request whose
// idempotency key was already applied to the position returns the original
// result with Duplicate set and changes nothing.
func (l *Ledger) ApplyExit(req domain.ExitRequest) (domain.ExitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[req.PositionID]
	if !ok {
		return domain.ExitResult{}, fmt.Errorf("ledger: apply exit %s: %w", req.PositionID, domain.ErrUnknownPosition)
	}
	if req.IdempotencyKey != "" {
		if prev, seen := rec.results[req.IdempotencyKey]; seen {
			prev.Duplicate = true
			return prev, nil
		}
	}
	if req.Quantity <= 0 || req.Price <= 0 || req.Fees < 0 {
		return domain.ExitResult{}, fmt.Errorf("ledger: apply exit %s: quantity and price must be positive, fees non-negative: %w",
			req.PositionID, domain.ErrInvalidExit)
	}

	qty := pnl.D(req.Quantity)
	if qty.GreaterThan(rec.remaining) {
		return domain.ExitResult{}, fmt.Errorf("ledger: apply exit: %w", &domain.OverExitError{
			PositionID: req.PositionID,
			Requested:  req.Quantity,
			Remaining:  rec.remaining.InexactFloat64(),
		})
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	if last := rec.pos.LastExitAt(); ts.Before(last) {
		return domain.ExitResult{}, fmt.Errorf("ledger: apply exit: %w", &domain.StaleExitError{
			PositionID: req.PositionID,
			Timestamp:  ts,
			Last:       last,
		})
	}

	realized := pnl.SliceRealized(rec.pos.EntryPrice, req.Price, req.Quantity)
	rec.remaining = rec.remaining.Sub(qty)

	p := &rec.pos
	p.Exits = append(p.Exits, domain.ExitRecord{
		Timestamp:      ts,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Fees:           req.Fees,
		RealizedPnL:    realized,
		IdempotencyKey: req.IdempotencyKey,
	})
	p.RemainingQuantity = rec.remaining.InexactFloat64()
	if rec.remaining.IsZero() {
		p.Status = domain.PositionStatusClosed
		closedAt := ts
		p.ClosedAt = &closedAt
	} else {
		p.Status = domain.PositionStatusPartiallyClosed
	}
	refresh(p)

	res := domain.ExitResult{
		PositionID:  p.ID,
		RealizedPnL: realized,
		Remaining:   p.RemainingQuantity,
		Status:      p.Status,
	}
	if req.IdempotencyKey != "" {
		rec.results[req.IdempotencyKey] = res
	}

	l.logger.Info("ledger: exit applied",
		slog.String("position_id", p.ID),
		slog.Float64("quantity", req.Quantity),
		slog.Float64("price", req.Price),
		slog.Float64("realized_pnl", realized),
		slog.Float64("remaining", p.RemainingQuantity),
		slog.String("status", string(p.Status)),
	)
	return res, nil
}

// MarkPrice updates the current price of an open position. Closed positions
// never change value; marking one is logged and reported as unchanged.
func (l *Ledger) MarkPrice(positionID string, price float64, ts time.Time) (bool, error) {
	if price <= 0 {
		return false, fmt.Errorf("ledger: mark price %s: non-positive price %g: %w", positionID, price, domain.ErrInvalidEvent)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[positionID]
	if !ok {
		return false, fmt.Errorf("ledger: mark price %s: %w", positionID, domain.ErrUnknownPosition)
	}
	if rec.pos.Status.IsTerminal() {
		l.logger.Debug("ledger: mark price ignored on closed position",
			slog.String("position_id", positionID),
			slog.Float64("price", price),
		)
		return false, nil
	}
	if ts.IsZero() {
		ts = l.now()
	}
	rec.pos.CurrentPrice = price
	rec.pos.LastPriceAt = ts
	refresh(&rec.pos)
	return true, nil
}

// MarkTakeProfitTaken sets the one-time take-profit flag. It returns false
// when the flag was already set or the position is closed.
func (l *Ledger) MarkTakeProfitTaken(positionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[positionID]
	if !ok {
		return false, fmt.Errorf("ledger: mark take profit %s: %w", positionID, domain.ErrUnknownPosition)
	}
	if rec.pos.TakeProfitTaken || rec.pos.Status.IsTerminal() {
		return false, nil
	}
	rec.pos.TakeProfitTaken = true
	return true, nil
}

// Get returns a copy of the position.
func (l *Ledger) Get(positionID string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", positionID, domain.ErrUnknownPosition)
	}
	return rec.pos.Clone(), nil
}

// List returns copies of all positions matching filter in insertion order.
func (l *Ledger) List(filter domain.PositionFilter) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0, len(l.order))
	for _, id := range l.order {
		p := l.records[id].pos
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// OpenByToken returns copies of the non-closed positions on tokenID.
func (l *Ledger) OpenByToken(tokenID string) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Position
	for _, id := range l.order {
		p := l.records[id].pos
		if p.TokenID == tokenID && !p.Status.IsTerminal() {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Snapshot returns copies of every position for persistence.
func (l *Ledger) Snapshot() []domain.Position {
	return l.List(domain.PositionFilter{})
}

// Restore replaces the ledger contents with positions. Remaining quantity and
// idempotency results are rebuilt from each position's exit history.
func (l *Ledger) Restore(positions []domain.Position) error {
	records := make(map[string]*record, len(positions))
	order := make([]string, 0, len(positions))

	for _, p := range positions {
		if p.ID == "" {
			return fmt.Errorf("ledger: restore: position without id: %w", domain.ErrInvalidEntry)
		}
		if _, dup := records[p.ID]; dup {
			return fmt.Errorf("ledger: restore %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		remaining := pnl.D(p.EntryQuantity)
		results := make(map[string]domain.ExitResult)
		for i, x := range p.Exits {
			remaining = remaining.Sub(pnl.D(x.Quantity))
			if remaining.IsNegative() {
				return fmt.Errorf("ledger: restore %s: %w", p.ID, &domain.OverExitError{
					PositionID: p.ID,
					Requested:  x.Quantity,
					Remaining:  remaining.Add(pnl.D(x.Quantity)).InexactFloat64(),
				})
			}
			if x.IdempotencyKey == "" {
				continue
			}
			status := domain.PositionStatusPartiallyClosed
			if remaining.IsZero() {
				status = domain.PositionStatusClosed
			}
			results[x.IdempotencyKey] = domain.ExitResult{
				PositionID:  p.ID,
				RealizedPnL: p.Exits[i].RealizedPnL,
				Remaining:   remaining.InexactFloat64(),
				Status:      status,
			}
		}
		cp := p.Clone()
		if cp.Exits == nil {
			cp.Exits = []domain.ExitRecord{}
		}
		cp.RemainingQuantity = remaining.InexactFloat64()
		refresh(&cp)
		records[p.ID] = &record{pos: cp, remaining: remaining, results: results}
		order = append(order, p.ID)
	}

	l.mu.Lock()
	l.records = records
	l.order = order
	l.mu.Unlock()

	l.logger.Info("ledger: restored", slog.Int("positions", len(order)))
	return nil
}

// refresh recomputes the derived valuation fields from price and quantity.
func refresh(p *domain.Position) {
	p.CurrentValue = pnl.CurrentValue(*p)
	p.UnrealizedPnL = pnl.UnrealizedPnL(*p)
	p.UnrealizedPnLPercent = pnl.UnrealizedPnLPercent(*p)
}
