package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakePrices struct {
	prices map[string]float64
	err    error
}

func (f *fakePrices) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (f *fakePrices) GetPrice(_ context.Context, tokenID string) (float64, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	p, ok := f.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func TestPaperBroker_FillsAtMarkWithSlippageAndFees(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{"MINT": 2}}
	b := NewPaperBroker(PaperConfig{FeeBps: 10, SlippageBps: 50}, prices, quietLogger())

	fill, err := b.Submit(context.Background(), domain.Order{
		ID: "o1", TokenID: "MINT", Side: domain.OrderSideSell, Quantity: 100, LimitPrice: 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "o1", fill.OrderID)
	assert.Equal(t, 100.0, fill.Quantity)
	assert.InDelta(t, 1.99, fill.Price, 1e-12)
	assert.InDelta(t, 0.199, fill.Fees, 1e-12)
	assert.False(t, fill.FilledAt.IsZero())

	fill, err = b.Submit(context.Background(), domain.Order{
		ID: "o2", TokenID: "MINT", Side: domain.OrderSideBuy, Quantity: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.01, fill.Price, 1e-12)

	assert.Len(t, b.Fills(), 2)
}

func TestPaperBroker_FallsBackToLimitPrice(t *testing.T) {
	tests := []struct {
		name   string
		prices domain.PriceCache
	}{
		{"no cache", nil},
		{"not cached", &fakePrices{prices: map[string]float64{}}},
		{"cache down", &fakePrices{err: errors.New("dial tcp: refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewPaperBroker(PaperConfig{}, tt.prices, quietLogger())
			fill, err := b.Submit(context.Background(), domain.Order{
				ID: "o", TokenID: "MINT", Side: domain.OrderSideSell, Quantity: 3, LimitPrice: 0.5,
			})
			require.NoError(t, err)
			assert.Equal(t, 0.5, fill.Price)
			assert.Zero(t, fill.Fees)
		})
	}
}

func TestPaperBroker_Rejects(t *testing.T) {
	b := NewPaperBroker(PaperConfig{}, nil, quietLogger())

	_, err := b.Submit(context.Background(), domain.Order{ID: "o", TokenID: "MINT", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, err = b.Submit(context.Background(), domain.Order{ID: "o", TokenID: "MINT", LimitPrice: 1})
	assert.Error(t, err)
	assert.Empty(t, b.Fills())
}

type failingBroker struct{ calls int }

func (f *failingBroker) Submit(context.Context, domain.Order) (domain.Fill, error) {
	f.calls++
	return domain.Fill{}, errors.New("venue down")
}

func TestBreakerBroker_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &failingBroker{}
	b := WithBreaker(next, time.Hour, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := b.Submit(context.Background(), domain.Order{ID: "o"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Submit(context.Background(), domain.Order{ID: "o"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerBroker_PassesFills(t *testing.T) {
	paper := NewPaperBroker(PaperConfig{}, nil, quietLogger())
	b := WithBreaker(paper, time.Minute, quietLogger())

	fill, err := b.Submit(context.Background(), domain.Order{ID: "o", TokenID: "MINT", Side: domain.OrderSideSell, Quantity: 2, LimitPrice: 4})
	require.NoError(t, err)
	assert.Equal(t, 4.0, fill.Price)
	assert.Equal(t, "closed", b.State())
}
