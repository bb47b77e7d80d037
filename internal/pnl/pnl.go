// Package pnl computes profit and loss figures from position state. Every
// function is pure and deterministic; arithmetic is carried out in decimal so
// that repeated partial exits do not accumulate binary rounding error.
package pnl

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// D converts a float to a decimal using its shortest representation.
func D(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// UnrealizedPnL returns (currentPrice - entryPrice) * remainingQuantity.
func UnrealizedPnL(p domain.Position) float64 {
	return unrealized(p).InexactFloat64()
}

func unrealized(p domain.Position) decimal.Decimal {
	return D(p.CurrentPrice).Sub(D(p.EntryPrice)).Mul(D(p.RemainingQuantity))
}

// UnrealizedPnLPercent returns unrealized PnL relative to the entry cost of the
// remaining quantity, in percent. It is 0 when nothing remains.
func UnrealizedPnLPercent(p domain.Position) float64 {
	base := D(p.EntryPrice).Mul(D(p.RemainingQuantity))
	if base.IsZero() {
		return 0
	}
	return unrealized(p).Div(base).Mul(hundred).InexactFloat64()
}

// CurrentValue returns currentPrice * remainingQuantity.
func CurrentValue(p domain.Position) float64 {
	return D(p.CurrentPrice).Mul(D(p.RemainingQuantity)).InexactFloat64()
}

// SliceRealized returns the realized PnL of exiting quantity at price.
func SliceRealized(entryPrice, price, quantity float64) float64 {
	return D(price).Sub(D(entryPrice)).Mul(D(quantity)).InexactFloat64()
}

// RealizedPnL sums (exitPrice - entryPrice) * exitQuantity over the exit
// history. Stored per-exit values are ignored so the result is always
// reconstructed from the raw records.
func RealizedPnL(p domain.Position) float64 {
	total := decimal.Zero
	entry := D(p.EntryPrice)
	for _, x := range p.Exits {
		total = total.Add(D(x.Price).Sub(entry).Mul(D(x.Quantity)))
	}
	return total.InexactFloat64()
}

// NetRealizedPnL is RealizedPnL minus exit fees and the share of entry fees
// attributable to the exited quantity.
func NetRealizedPnL(p domain.Position) float64 {
	gross := D(RealizedPnL(p))
	exited := decimal.Zero
	fees := decimal.Zero
	for _, x := range p.Exits {
		exited = exited.Add(D(x.Quantity))
		fees = fees.Add(D(x.Fees))
	}
	if p.EntryQuantity > 0 && p.EntryFees > 0 {
		fees = fees.Add(D(p.EntryFees).Mul(exited).Div(D(p.EntryQuantity)))
	}
	return gross.Sub(fees).InexactFloat64()
}

// DailyReturns converts value snapshots into period returns net of external
// flows: r_i = (V_i - F_i - V_{i-1}) / V_{i-1}. Periods starting with no
// capital carry no return and are skipped.
func DailyReturns(snaps []domain.DailySnapshot) ([]float64, error) {
	if len(snaps) < 2 {
		return nil, fmt.Errorf("pnl: daily returns need at least 2 snapshots, got %d: %w",
			len(snaps), domain.ErrInsufficientData)
	}
	out := make([]float64, 0, len(snaps)-1)
	for i := 1; i < len(snaps); i++ {
		prev := D(snaps[i-1].Value)
		if !prev.IsPositive() {
			continue
		}
		r := D(snaps[i].Value).Sub(D(snaps[i].NetFlow)).Sub(prev).Div(prev)
		out = append(out, r.InexactFloat64())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pnl: no snapshot with positive value to start a period: %w",
			domain.ErrInsufficientData)
	}
	return out, nil
}

// TimeWeightedReturn compounds the daily return series. It returns
// ErrInsufficientData with fewer than two snapshots.
func TimeWeightedReturn(snaps []domain.DailySnapshot) (float64, error) {
	returns, err := DailyReturns(snaps)
	if err != nil {
		return 0, err
	}
	growth := one
	for _, r := range returns {
		growth = growth.Mul(one.Add(D(r)))
	}
	return growth.Sub(one).InexactFloat64(), nil
}

// SharpeRatio returns mean/stddev of returns scaled by sqrt(periodsPerYear),
// with a zero risk-free rate. Fewer than two returns or zero variance yield
// ErrInsufficientData.
func SharpeRatio(returns []float64, periodsPerYear int) (float64, error) {
	n := len(returns)
	if n < 2 {
		return 0, fmt.Errorf("pnl: sharpe needs at least 2 returns, got %d: %w", n, domain.ErrInsufficientData)
	}
	sum := decimal.Zero
	for _, r := range returns {
		sum = sum.Add(D(r))
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	ss := decimal.Zero
	for _, r := range returns {
		d := D(r).Sub(mean)
		ss = ss.Add(d.Mul(d))
	}
	variance := ss.Div(decimal.NewFromInt(int64(n - 1))).InexactFloat64()
	if variance <= 0 {
		return 0, fmt.Errorf("pnl: sharpe undefined for zero variance: %w", domain.ErrInsufficientData)
	}
	return mean.InexactFloat64() / math.Sqrt(variance) * math.Sqrt(float64(periodsPerYear)), nil
}
