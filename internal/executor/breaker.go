package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

var _ domain.Broker = (*BreakerBroker)(nil)

// BreakerBroker stops submitting orders to a failing broker. While the
// breaker is open Submit fails fast with gobreaker.ErrOpenState.
type BreakerBroker struct {
	next    domain.Broker
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps next. The breaker opens after three consecutive
// failures and half-opens after timeout.
func WithBreaker(next domain.Broker, timeout time.Duration, logger *slog.Logger) *BreakerBroker {
	logger = logger.With(slog.String("component", "broker_breaker"))
	return &BreakerBroker{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker",
			Timeout: timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("executor: breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// Submit forwards order unless the breaker is open.
func (b *BreakerBroker) Submit(ctx context.Context, order domain.Order) (domain.Fill, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.next.Submit(ctx, order)
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("executor: submit %s: %w", order.ID, err)
	}
	return out.(domain.Fill), nil
}

// State reports the breaker state, for status endpoints.
func (b *BreakerBroker) State() string {
	return b.breaker.State().String()
}
