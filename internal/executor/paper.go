// Package executor holds the brokers exit orders are routed to.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
)

var _ domain.Broker = (*PaperBroker)(nil)

var bps = decimal.NewFromInt(10_000)

// PaperConfig prices simulated fills.
type PaperConfig struct {
	FeeBps      float64
	SlippageBps float64
}

// PaperBroker fills every order immediately against the latest cached mark,
// or the order's limit price when no mark is cached. Sells fill below the
// reference price by SlippageBps and buys above it.
type PaperBroker struct {
	cfg    PaperConfig
	prices domain.PriceCache // optional
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	fills []domain.Fill
}

// NewPaperBroker creates a PaperBroker. prices may be nil.
func NewPaperBroker(cfg PaperConfig, prices domain.PriceCache, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		cfg:    cfg,
		prices: prices,
		now:    time.Now,
		logger: logger.With(slog.String("component", "paper_broker")),
	}
}

// Submit simulates execution of order.
func (b *PaperBroker) Submit(ctx context.Context, order domain.Order) (domain.Fill, error) {
	if order.Quantity <= 0 {
		return domain.Fill{}, fmt.Errorf("executor: order %s: quantity must be positive", order.ID)
	}
	ref, err := b.referencePrice(ctx, order)
	if err != nil {
		return domain.Fill{}, err
	}

	slip := pnl.D(b.cfg.SlippageBps).Div(bps)
	price := ref.Mul(decimal.NewFromInt(1).Sub(slip))
	if order.Side == domain.OrderSideBuy {
		price = ref.Mul(decimal.NewFromInt(1).Add(slip))
	}
	qty := pnl.D(order.Quantity)
	fees := price.Mul(qty).Mul(pnl.D(b.cfg.FeeBps)).Div(bps)

	orderID := order.ID
	if orderID == "" {
		orderID = uuid.New().String()
	}
	fill := domain.Fill{
		OrderID:  orderID,
		Quantity: order.Quantity,
		Price:    price.InexactFloat64(),
		Fees:     fees.Round(8).InexactFloat64(),
		FilledAt: b.now().UTC(),
	}

	b.mu.Lock()
	b.fills = append(b.fills, fill)
	b.mu.Unlock()

	b.logger.Info("executor: paper fill",
		slog.String("order_id", orderID),
		slog.String("token_id", order.TokenID),
		slog.String("side", string(order.Side)),
		slog.Float64("quantity", fill.Quantity),
		slog.Float64("price", fill.Price),
		slog.Float64("fees", fill.Fees),
	)
	return fill, nil
}

func (b *PaperBroker) referencePrice(ctx context.Context, order domain.Order) (decimal.Decimal, error) {
	if b.prices != nil {
		price, _, err := b.prices.GetPrice(ctx, order.TokenID)
		switch {
		case err == nil && price > 0:
			return pnl.D(price), nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			b.logger.WarnContext(ctx, "executor: price lookup failed, using limit price",
				slog.String("token_id", order.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	if order.LimitPrice > 0 {
		return pnl.D(order.LimitPrice), nil
	}
	return decimal.Zero, fmt.Errorf("executor: order %s: no price for %s: %w", order.ID, order.TokenID, domain.ErrInsufficientData)
}

// Fills returns every simulated fill, oldest first.
func (b *PaperBroker) Fills() []domain.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Fill(nil), b.fills...)
}
