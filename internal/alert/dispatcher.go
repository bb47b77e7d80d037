// Package alert delivers decision events to the configured notifier. Delivery
// is best effort: identical alerts are suppressed during a cool-down, the
// outbound rate is capped, failed deliveries are retried with backoff behind
// a circuit breaker, and anything that still fails is logged and counted.
// Errors never flow back into the pipeline.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
)

// Drop reasons reported on alerts_dropped_total.
const (
	DropRateLimited    = "rate_limited"
	DropCircuitOpen    = "circuit_open"
	DropDeliveryFailed = "delivery_failed"
	DropNotifierError  = "notifier_error"
	DropQueueFull      = "queue_full"
)

// Outcome is what happened to a single alert.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDeduped Outcome = "deduped"
	OutcomeDropped Outcome = "dropped"
)

// Config tunes the dispatcher.
type Config struct {
	Cooldown       time.Duration
	RatePerSecond  float64 // 0 disables the limit
	Burst          int
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BreakerTimeout time.Duration
	QueueSize      int
	DrainTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		RatePerSecond:  1,
		Burst:          10,
		MaxAttempts:    3,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		BreakerTimeout: 60 * time.Second,
		QueueSize:      1024,
		DrainTimeout:   5 * time.Second,
	}
}

// Dispatcher sends non-hold decision events to a Notifier.
type Dispatcher struct {
	cfg      Config
	notifier domain.Notifier
	dedup    domain.DedupStore
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	queue    chan domain.DecisionEvent
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// New creates a Dispatcher. A nil dedup store falls back to an in-memory one.
func New(cfg Config, notifier domain.Notifier, dedup domain.DedupStore, m *metrics.Registry, logger *slog.Logger) *Dispatcher {
	if dedup == nil {
		dedup = NewMemoryDedup(nil)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		dedup:    dedup,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  newBreaker("alert-notifier", cfg.BreakerTimeout),
		queue:    make(chan domain.DecisionEvent, cfg.QueueSize),
		metrics:  m,
		logger:   logger.With(slog.String("component", "alert_dispatcher")),
	}
}

func newBreaker(name string, timeout time.Duration) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = timeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return gobreaker.NewCircuitBreaker(st)
}

// DedupKey identifies an alert for cool-down purposes. Partial exits of
// different fractions are different alerts.
func DedupKey(ev domain.DecisionEvent) string {
	return fmt.Sprintf("alert:%s:%s", ev.EntityID, ev.Action)
}

// Dispatch delivers ev synchronously and reports what happened to it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.DecisionEvent) Outcome {
	if ev.Action.Kind == domain.ActionHold {
		return OutcomeSkipped
	}

	seen, err := d.dedup.Seen(ctx, DedupKey(ev), d.cfg.Cooldown)
	if err != nil {
		// Fail open: a duplicate alert beats a missing one.
		d.logger.WarnContext(ctx, "alert: dedup check failed",
			slog.String("entity_id", ev.EntityID),
			slog.String("error", err.Error()),
		)
	}
	if seen {
		d.metrics.AlertsDeduped.Inc()
		d.logger.DebugContext(ctx, "alert: suppressed by cool-down",
			slog.String("entity_id", ev.EntityID),
			slog.String("action", ev.Action.String()),
		)
		return OutcomeDeduped
	}

	if !d.limiter.Allow() {
		return d.drop(ctx, ev, DropRateLimited, nil)
	}

	b := &backoff.Backoff{Min: d.cfg.BackoffMin, Max: d.cfg.BackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		_, err := d.breaker.Execute(func() (any, error) {
			return nil, d.notifier.Notify(ctx, ev)
		})
		if err == nil {
			d.metrics.AlertsSent.Inc()
			d.logger.InfoContext(ctx, "alert: delivered",
				slog.String("event_id", ev.ID),
				slog.String("entity_id", ev.EntityID),
				slog.String("action", ev.Action.String()),
				slog.Int("attempt", attempt),
			)
			return OutcomeSent
		}
		lastErr = err

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return d.drop(ctx, ev, DropCircuitOpen, err)
		case !errors.Is(err, domain.ErrDeliveryFailed):
			return d.drop(ctx, ev, DropNotifierError, err)
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}
		wait := b.Duration()
		d.logger.DebugContext(ctx, "alert: retrying delivery",
			slog.String("event_id", ev.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return d.drop(ctx, ev, DropDeliveryFailed, ctx.Err())
		case <-time.After(wait):
		}
	}
	return d.drop(ctx, ev, DropDeliveryFailed, lastErr)
}

func (d *Dispatcher) drop(ctx context.Context, ev domain.DecisionEvent, reason string, err error) Outcome {
	d.metrics.AlertsDropped.WithLabelValues(reason).Inc()
	attrs := []any{
		slog.String("event_id", ev.ID),
		slog.String("entity_id", ev.EntityID),
		slog.String("action", ev.Action.String()),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	d.logger.ErrorContext(ctx, "alert: dropped", attrs...)
	return OutcomeDropped
}

// Enqueue hands ev to the background loop without blocking. It returns false
// if the queue is full and the alert was dropped.
func (d *Dispatcher) Enqueue(ev domain.DecisionEvent) bool {
	if ev.Action.Kind == domain.ActionHold {
		return true
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.drop(context.Background(), ev, DropQueueFull, nil)
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains whatever is
// still queued within the drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("alert: dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx)
			d.logger.Info("alert: dispatcher stopped")
			return nil
		case ev := <-d.queue:
			d.Dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.Dispatch(ctx, ev)
		default:
			return
		}
	}
}
