// Package portfolio rolls positions up into the portfolio read model. The
// summary is recomputed from the live position set on every call and is never
// a source of truth; the only state kept here is the running peak value and
// the daily value history.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
)

// PeriodsPerYear annualises the Sharpe-like ratio of daily returns.
const PeriodsPerYear = 365

// Summarize computes the portfolio summary from positions, the running peak
// and the daily value history. It does not modify its inputs.
func Summarize(positions []domain.Position, peak float64, history []domain.DailySnapshot, now time.Time) domain.PortfolioSummary {
	var (
		value, cost, unrealized, realized decimal.Decimal
		maxValue                          decimal.Decimal
		maxToken                          string
		open, closed, wins                int
	)

	for _, p := range positions {
		realized = realized.Add(pnl.D(pnl.RealizedPnL(p)))

		if p.Status == domain.PositionStatusClosed {
			closed++
			if pnl.RealizedPnL(p) > 0 {
				wins++
			}
			continue
		}
		open++

		v := pnl.D(pnl.CurrentValue(p))
		value = value.Add(v)
		cost = cost.Add(remainingCost(p))
		unrealized = unrealized.Add(pnl.D(pnl.UnrealizedPnL(p)))
		if v.GreaterThan(maxValue) {
			maxValue = v
			maxToken = p.TokenID
		}
	}

	s := domain.PortfolioSummary{
		TotalValue:      value.InexactFloat64(),
		TotalCost:       cost.InexactFloat64(),
		UnrealizedPnL:   unrealized.InexactFloat64(),
		RealizedPnL:     realized.InexactFloat64(),
		OpenPositions:   open,
		ClosedPositions: closed,
		ComputedAt:      now,
	}

	if value.IsPositive() {
		s.Concentration = maxValue.Div(value).InexactFloat64()
		s.ConcentrationToken = maxToken
	}
	if closed > 0 {
		wr := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closed))).InexactFloat64()
		s.WinRate = &wr
	}

	s.PeakValue = peak
	if s.TotalValue > s.PeakValue {
		s.PeakValue = s.TotalValue
	}
	s.Drawdown = Drawdown(s.PeakValue, s.TotalValue)

	if twr, err := pnl.TimeWeightedReturn(history); err == nil {
		s.TimeWeightedReturn = &twr
	}
	if returns, err := pnl.DailyReturns(history); err == nil {
		if sr, err := pnl.SharpeRatio(returns, PeriodsPerYear); err == nil {
			s.SharpeLike = &sr
		}
	}
	return s
}

// remainingCost is the cost basis attributable to the quantity still held.
func remainingCost(p domain.Position) decimal.Decimal {
	if p.EntryQuantity <= 0 {
		return decimal.Zero
	}
	return pnl.D(p.CostBasis).Mul(pnl.D(p.RemainingQuantity)).Div(pnl.D(p.EntryQuantity))
}

// Drawdown returns (peak - current) / peak, or 0 when there is no peak.
func Drawdown(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	p := pnl.D(peak)
	return p.Sub(pnl.D(current)).Div(p).InexactFloat64()
}

// TokenValues aggregates the current value of open positions per token.
func TokenValues(positions []domain.Position) (total float64, byToken map[string]float64) {
	sum := decimal.Zero
	agg := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Status == domain.PositionStatusClosed {
			continue
		}
		v := pnl.D(pnl.CurrentValue(p))
		sum = sum.Add(v)
		agg[p.TokenID] = agg[p.TokenID].Add(v)
	}
	byToken = make(map[string]float64, len(agg))
	for k, v := range agg {
		byToken[k] = v.InexactFloat64()
	}
	return sum.InexactFloat64(), byToken
}
