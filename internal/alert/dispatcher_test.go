package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.DecisionEvent
	fail   int // number of leading calls that fail
	err    error
	calls  atomic.Int32
}

func (r *recorder) Notify(_ context.Context, ev domain.DecisionEvent) error {
	n := int(r.calls.Add(1))
	if n <= r.fail {
		return r.err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) delivered() []domain.DecisionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DecisionEvent(nil), r.events...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return cfg
}

func exitEvent(entity string) domain.DecisionEvent {
	return domain.DecisionEvent{
		ID:          "ev-" + entity,
		EntityID:    entity,
		Action:      domain.FullExit(),
		RiskScore:   85,
		ReasonCodes: []string{domain.ReasonRiskCritical},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_SkipsHold(t *testing.T) {
	rec := &recorder{}
	d := New(testConfig(), rec, nil, metrics.New(), discard())
	ev := exitEvent("A")
	ev.Action = domain.Hold()
	assert.Equal(t, OutcomeSkipped, d.Dispatch(context.Background(), ev))
	assert.Empty(t, rec.delivered())
}

func TestDispatch_DedupWithinCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := metrics.New()
	rec := &recorder{}
	d := New(testConfig(), rec, NewMemoryDedup(clock), m, discard())
	ctx := context.Background()

	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, exitEvent("A")))
	assert.Equal(t, OutcomeDeduped, d.Dispatch(ctx, exitEvent("A")))

	// Different action for the same entity is a different alert.
	partial := exitEvent("A")
	partial.Action = domain.PartialExit(0.5)
	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, partial))

	// Escalating the exit fraction is a new alert too.
	now = now.Add(time.Minute)
	escalated := exitEvent("A")
	escalated.Action = domain.PartialExit(0.75)
	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, escalated))
	assert.Equal(t, OutcomeDeduped, d.Dispatch(ctx, escalated))

	now = now.Add(5 * time.Minute)
	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, exitEvent("A")))

	assert.Len(t, rec.delivered(), 4)
	assert.Equal(t, 2.0, counterValue(t, m.AlertsDeduped))
	assert.Equal(t, 4.0, counterValue(t, m.AlertsSent))
}

func TestDedupKey(t *testing.T) {
	ev := exitEvent("A")
	assert.Equal(t, "alert:A:full_exit", DedupKey(ev))
	ev.Action = domain.PartialExit(0.5)
	assert.Equal(t, "alert:A:partial_exit(0.5)", DedupKey(ev))
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	m := metrics.New()
	rec := &recorder{fail: 2, err: fmt.Errorf("telegram down: %w", domain.ErrDeliveryFailed)}
	d := New(testConfig(), rec, nil, m, discard())

	assert.Equal(t, OutcomeSent, d.Dispatch(context.Background(), exitEvent("A")))
	assert.EqualValues(t, 3, rec.calls.Load())
	assert.Equal(t, 0.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropDeliveryFailed)))
}

func TestDispatch_PermanentFailureIsDroppedAndCounted(t *testing.T) {
	m := metrics.New()
	rec := &recorder{fail: 100, err: domain.ErrDeliveryFailed}
	d := New(testConfig(), rec, nil, m, discard())
	ctx := context.Background()

	assert.Equal(t, OutcomeDropped, d.Dispatch(ctx, exitEvent("A")))
	assert.EqualValues(t, 3, rec.calls.Load())
	assert.Equal(t, 1.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropDeliveryFailed)))

	// Three consecutive failures trip the breaker; the notifier is not called.
	assert.Equal(t, OutcomeDropped, d.Dispatch(ctx, exitEvent("B")))
	assert.EqualValues(t, 3, rec.calls.Load())
	assert.Equal(t, 1.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropCircuitOpen)))
}

func TestDispatch_NonDeliveryErrorIsNotRetried(t *testing.T) {
	m := metrics.New()
	rec := &recorder{fail: 1, err: errors.New("bad payload")}
	d := New(testConfig(), rec, nil, m, discard())

	assert.Equal(t, OutcomeDropped, d.Dispatch(context.Background(), exitEvent("A")))
	assert.EqualValues(t, 1, rec.calls.Load())
	assert.Equal(t, 1.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropNotifierError)))
}

func TestDispatch_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	m := metrics.New()
	rec := &recorder{}
	d := New(cfg, rec, nil, m, discard())
	ctx := context.Background()

	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, exitEvent("A")))
	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, exitEvent("B")))
	assert.Equal(t, OutcomeDropped, d.Dispatch(ctx, exitEvent("C")))
	assert.Equal(t, 1.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropRateLimited)))
}

type failingDedup struct{}

func (failingDedup) Seen(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestDispatch_DedupFailureFailsOpen(t *testing.T) {
	rec := &recorder{}
	d := New(testConfig(), rec, failingDedup{}, metrics.New(), discard())
	assert.Equal(t, OutcomeSent, d.Dispatch(context.Background(), exitEvent("A")))
	assert.Equal(t, OutcomeSent, d.Dispatch(context.Background(), exitEvent("A")))
}

func TestEnqueueAndRun(t *testing.T) {
	rec := &recorder{}
	d := New(testConfig(), rec, nil, metrics.New(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.Enqueue(exitEvent("A")))
	require.True(t, d.Enqueue(exitEvent("B")))
	require.Eventually(t, func() bool { return len(rec.delivered()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueue_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	m := metrics.New()
	d := New(cfg, &recorder{}, nil, m, discard())

	assert.True(t, d.Enqueue(exitEvent("A")))
	assert.False(t, d.Enqueue(exitEvent("B")))
	assert.Equal(t, 1.0, counterValue(t, m.AlertsDropped.WithLabelValues(DropQueueFull)))
}

func TestRun_DrainsOnShutdown(t *testing.T) {
	rec := &recorder{}
	d := New(testConfig(), rec, nil, metrics.New(), discard())
	require.True(t, d.Enqueue(exitEvent("A")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, rec.delivered(), 1)
}

func TestMemoryDedup_Cleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	dd := NewMemoryDedup(func() time.Time { return now })
	ctx := context.Background()

	seen, err := dd.Seen(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = dd.Seen(ctx, "k", time.Minute)
	assert.True(t, seen)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, dd.Cleanup())
	seen, _ = dd.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
}
