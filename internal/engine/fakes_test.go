package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/decision"
	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/ledger"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
	"github.com/alanyoungcy/positionrisk/internal/portfolio"
	"github.com/alanyoungcy/positionrisk/internal/risk"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func gauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

type sink struct {
	mu  sync.Mutex
	evs []domain.DecisionEvent
}

func (s *sink) Enqueue(ev domain.DecisionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return true
}

func (s *sink) events() []domain.DecisionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DecisionEvent(nil), s.evs...)
}

type memSnapshots struct {
	mu   sync.Mutex
	snap *domain.EngineSnapshot
	err  error
}

func (m *memSnapshots) Save(_ context.Context, s domain.EngineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap = &s
	return nil
}

func (m *memSnapshots) Load(context.Context) (domain.EngineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return domain.EngineSnapshot{}, domain.ErrNotFound
	}
	return *m.snap, nil
}

func (m *memSnapshots) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *memBus) StreamAppend(context.Context, string, []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (b *memBus) StreamRead(context.Context, string, string, int, time.Duration) ([]domain.StreamMessage, error) {
	return nil, errors.New("not implemented")
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type memDecisions struct {
	mu  sync.Mutex
	evs []domain.DecisionEvent
}

func (m *memDecisions) Insert(_ context.Context, ev domain.DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memDecisions) ListRecent(context.Context, domain.ListOpts) ([]domain.DecisionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DecisionEvent(nil), m.evs...), nil
}

func (m *memDecisions) ListByEntity(_ context.Context, id string, _ domain.ListOpts) ([]domain.DecisionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DecisionEvent
	for _, ev := range m.evs {
		if ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

type harness struct {
	engine    *Engine
	sink      *sink
	bus       *memBus
	decisions *memDecisions
	snapshots *memSnapshots
	metrics   *metrics.Registry
}

func newDeps(m *metrics.Registry) Deps {
	return Deps{
		Ledger:    ledger.New(quietLogger()),
		Monitor:   risk.NewMonitor(risk.NewScorer(risk.DefaultWeights()), quietLogger()),
		Decider:   decision.New(decision.DefaultConfig()),
		Portfolio: portfolio.NewAggregator(0, 30),
		Metrics:   m,
	}
}

// start builds an engine around fresh components and runs it until the test
// ends. The snapshot store may be shared between harnesses.
func start(t *testing.T, snaps *memSnapshots) *harness {
	t.Helper()
	if snaps == nil {
		snaps = &memSnapshots{}
	}
	h := &harness{
		sink:      &sink{},
		bus:       &memBus{},
		decisions: &memDecisions{},
		snapshots: snaps,
		metrics:   metrics.New(),
	}
	deps := newDeps(h.metrics)
	deps.Sinks = []DecisionSink{h.sink}
	deps.Bus = h.bus
	deps.Decisions = h.decisions
	deps.Snapshots = snaps

	cfg := DefaultConfig()
	cfg.Workers = 4
	h.engine = New(cfg, deps, quietLogger())
	h.engine.SetClock(func() time.Time { return t0 })
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Flush(ctx))
}

func fp(v float64) *float64 { return &v }

func tick(entity string, ts time.Time, price float64) domain.FeedEvent {
	return domain.FeedEvent{
		EntityID:  entity,
		Timestamp: ts,
		Kind:      domain.FeedEventPriceTick,
		Tick:      &domain.PriceTick{Price: price},
	}
}

func txn(entity string, ts time.Time, snap domain.Snapshot) domain.FeedEvent {
	return domain.FeedEvent{
		EntityID:    entity,
		Timestamp:   ts,
		Kind:        domain.FeedEventTransaction,
		Transaction: &snap,
	}
}

func baseline() domain.Snapshot {
	return domain.Snapshot{Liquidity: 1000, AuthorityBalance: 100, HolderCount: 500, TopHolderShare: 0.2}
}
