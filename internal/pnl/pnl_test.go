package pnl

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func TestUnrealized(t *testing.T) {
	p := domain.Position{EntryPrice: 100, CurrentPrice: 150, RemainingQuantity: 10}
	assert.Equal(t, 500.0, UnrealizedPnL(p))
	assert.Equal(t, 50.0, UnrealizedPnLPercent(p))
	assert.Equal(t, 1500.0, CurrentValue(p))

	p.CurrentPrice = 75
	assert.Equal(t, -250.0, UnrealizedPnL(p))
	assert.Equal(t, -25.0, UnrealizedPnLPercent(p))
}

func TestUnrealizedPercent_ZeroRemaining(t *testing.T) {
	p := domain.Position{EntryPrice: 100, CurrentPrice: 150, RemainingQuantity: 0}
	assert.Equal(t, 0.0, UnrealizedPnL(p))
	assert.Equal(t, 0.0, UnrealizedPnLPercent(p))
}

func TestRealizedAndNet(t *testing.T) {
	p := domain.Position{
		EntryPrice:    2,
		EntryQuantity: 100,
		EntryFees:     1,
		Exits: []domain.ExitRecord{
			{Quantity: 50, Price: 3, Fees: 0.5},
			{Quantity: 25, Price: 1.5, Fees: 0.25},
		},
	}
	// 50*1 + 25*(-0.5)
	assert.Equal(t, 37.5, RealizedPnL(p))
	// 37.5 - 0.75 exit fees - 0.75 pro-rata entry fees
	assert.Equal(t, 36.0, NetRealizedPnL(p))
}

func TestRealized_IgnoresStoredSliceValues(t *testing.T) {
	p := domain.Position{
		EntryPrice: 10,
		Exits:      []domain.ExitRecord{{Quantity: 1, Price: 12, RealizedPnL: 999}},
	}
	assert.Equal(t, 2.0, RealizedPnL(p))
}

func TestDeterministic(t *testing.T) {
	p := domain.Position{EntryPrice: 0.1, CurrentPrice: 0.3, RemainingQuantity: 3}
	first := UnrealizedPnL(p)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, UnrealizedPnL(p))
	}
	assert.Equal(t, 0.6, first)
}

func day(n int, value, flow float64) domain.DailySnapshot {
	return domain.DailySnapshot{
		Date:    time.Date(2026, 1, 1+n, 0, 0, 0, 0, time.UTC),
		Value:   value,
		NetFlow: flow,
	}
}

func TestTimeWeightedReturn(t *testing.T) {
	t.Run("insufficient data", func(t *testing.T) {
		_, err := TimeWeightedReturn(nil)
		assert.ErrorIs(t, err, domain.ErrInsufficientData)
		_, err = TimeWeightedReturn([]domain.DailySnapshot{day(0, 100, 0)})
		assert.ErrorIs(t, err, domain.ErrInsufficientData)
	})

	t.Run("compounds daily returns", func(t *testing.T) {
		twr, err := TimeWeightedReturn([]domain.DailySnapshot{
			day(0, 100, 0),
			day(1, 110, 0),
			day(2, 99, 0),
		})
		require.NoError(t, err)
		// 1.1 * 0.9 - 1
		assert.InDelta(t, -0.01, twr, 1e-12)
	})

	t.Run("neutralizes external flows", func(t *testing.T) {
		twr, err := TimeWeightedReturn([]domain.DailySnapshot{
			day(0, 100, 0),
			day(1, 160, 50), // +50 deposit, +10 performance
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.10, twr, 1e-12)
	})

	t.Run("non-positive base", func(t *testing.T) {
		_, err := TimeWeightedReturn([]domain.DailySnapshot{day(0, 0, 0), day(1, 10, 10)})
		assert.ErrorIs(t, err, domain.ErrInsufficientData)
	})

	t.Run("periods without capital are skipped", func(t *testing.T) {
		twr, err := TimeWeightedReturn([]domain.DailySnapshot{
			day(0, 100, 0),
			day(1, 0, -100), // flat full exit
			day(2, 50, 50),  // re-entry from nothing
			day(3, 55, 0),
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.10, twr, 1e-9)
	})
}

func TestSharpeRatio(t *testing.T) {
	_, err := SharpeRatio([]float64{0.01}, 365)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, err = SharpeRatio([]float64{0.01, 0.01, 0.01}, 365)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	s, err := SharpeRatio([]float64{0.01, -0.01, 0.03}, 365)
	require.NoError(t, err)
	// mean 0.01, sample stddev 0.02
	assert.InDelta(t, 0.5*math.Sqrt(365), s, 1e-9)
}
