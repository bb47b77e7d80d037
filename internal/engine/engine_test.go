package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/alert"
	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func openMint(t *testing.T, h *harness) string {
	t.Helper()
	id, err := h.engine.Open(context.Background(), domain.EntrySpec{
		TokenID:    "MINT",
		Price:      100,
		Quantity:   10,
		Timestamp:  t0,
		StopLoss:   fp(80),
		TakeProfit: fp(150),
	})
	require.NoError(t, err)
	return id
}

func TestPipeline_MarkToMarket(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	id := openMint(t, h)

	require.NoError(t, h.engine.Submit(context.Background(), tick("MINT", t0.Add(time.Second), 120)))
	h.flush(t)

	p, err := h.engine.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 120.0, p.CurrentPrice)
	assert.Equal(t, 200.0, p.UnrealizedPnL)
	assert.Equal(t, 20.0, p.UnrealizedPnLPercent)
	assert.Empty(t, h.sink.events(), "holds are not emitted")
}

func TestPipeline_StopLossTriggersFullExit(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	id := openMint(t, h)

	require.NoError(t, h.engine.Submit(context.Background(), tick("MINT", t0.Add(time.Second), 75)))
	h.flush(t)

	evs := h.sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.FullExit(), evs[0].Action)
	assert.Equal(t, id, evs[0].PositionID)
	assert.Equal(t, []string{domain.ReasonStopLoss}, evs[0].ReasonCodes)
	assert.Equal(t, 75.0, evs[0].Price)

	assert.Equal(t, 1, h.bus.count("decisions"))
	stored, _ := h.decisions.ListRecent(context.Background(), domain.ListOpts{})
	assert.Len(t, stored, 1)
	assert.Len(t, h.engine.RecentDecisions(10), 1)
}

func TestPipeline_RepeatedConditionEmitsOnce(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	openMint(t, h)

	ctx := context.Background()
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(1*time.Second), 75)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(2*time.Second), 74)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(3*time.Second), 100)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(4*time.Second), 70)))
	h.flush(t)

	assert.Len(t, h.sink.events(), 2, "a condition that clears and recurs is emitted again")
}

func TestPipeline_TakeProfitOnce(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	id := openMint(t, h)

	ctx := context.Background()
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(1*time.Second), 150)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(2*time.Second), 120)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(3*time.Second), 160)))
	h.flush(t)

	evs := h.sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.PartialExit(0.5), evs[0].Action)
	assert.Equal(t, []string{domain.ReasonTakeProfit}, evs[0].ReasonCodes)

	p, err := h.engine.Position(id)
	require.NoError(t, err)
	assert.True(t, p.TakeProfitTaken)
}

func TestPipeline_SellSimulationFailureExitsFully(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)
	openMint(t, h)

	snap := baseline()
	snap.SellSimulationFailed = true
	require.NoError(t, h.engine.Submit(ctx, txn("MINT", t0.Add(time.Second), snap)))
	h.flush(t)

	evs := h.sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.FullExit(), evs[0].Action)
	assert.Equal(t, 80, evs[0].RiskScore)
	assert.Equal(t, []string{domain.ReasonRiskCritical, domain.ReasonSellSimulation}, evs[0].ReasonCodes)

	ent, err := h.engine.Entity("MINT")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityStateCritical, ent.State)
}

func TestPipeline_ScoreOfFortyHolds(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)
	openMint(t, h)

	snap := baseline()
	snap.Liquidity = 650
	require.NoError(t, h.engine.Submit(ctx, txn("MINT", t0.Add(time.Second), snap)))
	h.flush(t)

	assert.Empty(t, h.sink.events())
	ent, err := h.engine.Entity("MINT")
	require.NoError(t, err)
	assert.Equal(t, 40, ent.Score)
	assert.Equal(t, domain.EntityStateMonitoring, ent.State)
}

func TestPipeline_WalletProtectsToken(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{
		ID: "dev-wallet", Kind: domain.EntityKindWallet, TokenID: "MINT", Baseline: baseline(),
	})
	require.NoError(t, err)
	openMint(t, h)

	snap := baseline()
	snap.AuthorityBalance = 97 // 3% outflow -> 20
	snap.Liquidity = 650       // -> 40
	require.NoError(t, h.engine.Submit(ctx, txn("dev-wallet", t0.Add(time.Second), snap)))
	h.flush(t)

	evs := h.sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.PartialExit(0.5), evs[0].Action)
	assert.Equal(t, "dev-wallet", evs[0].EntityID)
	assert.Equal(t, "MINT", evs[0].TokenID)
	assert.Equal(t, 60, evs[0].RiskScore)
}

func TestPipeline_CriticalEntityWithoutPositionsRejectsEntries(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)

	snap := baseline()
	snap.CommunityChannelRemoved = true
	snap.AuthorityBalance = 90
	require.NoError(t, h.engine.Submit(ctx, txn("MINT", t0.Add(time.Second), snap)))
	h.flush(t)

	evs := h.sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.RejectEntry(), evs[0].Action)
	assert.Empty(t, evs[0].PositionID)
}

func TestSubmit_Rejections(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()

	err := h.engine.Submit(ctx, domain.FeedEvent{EntityID: "X", Timestamp: t0, Kind: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	err = h.engine.Submit(ctx, txn("ghost", t0, baseline()))
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)

	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(2*time.Second), 1)))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0.Add(2*time.Second), 1)), "equal timestamps are accepted")

	err = h.engine.Submit(ctx, tick("MINT", t0.Add(time.Second), 1))
	require.Error(t, err)
	var ooo *domain.OutOfOrderError
	require.True(t, errors.As(err, &ooo))
	assert.Equal(t, "MINT", ooo.EntityID)
	assert.ErrorIs(t, err, domain.ErrOutOfOrderEvent)

	// Other entities keep their own watermark.
	require.NoError(t, h.engine.Submit(ctx, tick("OTHER", t0, 1)))
}

func TestUnsubscribe_DrainsThenRemoves(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)

	for i := 1; i <= 50; i++ {
		snap := baseline()
		snap.HolderCount = int64(500 - i)
		require.NoError(t, h.engine.Submit(ctx, txn("MINT", t0.Add(time.Duration(i)*time.Second), snap)))
	}
	require.NoError(t, h.engine.Unsubscribe(ctx, "MINT"))

	_, err = h.engine.Entity("MINT")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	err = h.engine.Submit(ctx, txn("MINT", t0.Add(time.Hour), baseline()))
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	assert.ErrorIs(t, h.engine.Unsubscribe(ctx, "MINT"), domain.ErrUnknownEntity)
}

func TestUnsubscribe_ReRegisteredEntityEmitsAgain(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	critical := func(at time.Time) {
		t.Helper()
		_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
		require.NoError(t, err)
		snap := baseline()
		snap.CommunityChannelRemoved = true
		snap.AuthorityBalance = 90
		require.NoError(t, h.engine.Submit(ctx, txn("MINT", at, snap)))
		h.flush(t)
	}

	critical(t0.Add(time.Second))
	require.NoError(t, h.engine.Unsubscribe(ctx, "MINT"))
	critical(t0.Add(2 * time.Second))

	evs := h.sink.events()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.RejectEntry(), evs[0].Action)
	assert.Equal(t, domain.RejectEntry(), evs[1].Action)
}

func TestPortfolio_EntriesAndExitsAreFlows(t *testing.T) {
	h := start(t, nil)
	ctx := context.Background()
	id := openMint(t, h)

	day1 := t0.Add(24 * time.Hour)
	h.engine.SetClock(func() time.Time { return day1 })
	_, err := h.engine.Open(ctx, domain.EntrySpec{TokenID: "OTHER", Price: 50, Quantity: 10, Timestamp: day1})
	require.NoError(t, err)

	s := h.engine.Portfolio()
	require.NotNil(t, s.TimeWeightedReturn)
	assert.InDelta(t, 0, *s.TimeWeightedReturn, 1e-9, "buying in is not a gain")
	assert.InDelta(t, 1500, s.PeakValue, 1e-9)
	assert.InDelta(t, 1500, gauge(t, h.metrics.PortfolioValue), 1e-9)

	day2 := day1.Add(24 * time.Hour)
	h.engine.SetClock(func() time.Time { return day2 })
	_, err = h.engine.ApplyExit(ctx, domain.ExitRequest{PositionID: id, Quantity: 10, Price: 100, Timestamp: day2, IdempotencyKey: "x1"})
	require.NoError(t, err)
	_, err = h.engine.ApplyExit(ctx, domain.ExitRequest{PositionID: id, Quantity: 10, Price: 100, Timestamp: day2, IdempotencyKey: "x1"})
	require.NoError(t, err)

	s = h.engine.Portfolio()
	require.NotNil(t, s.TimeWeightedReturn)
	assert.InDelta(t, 0, *s.TimeWeightedReturn, 1e-9, "cashing out is not a loss")
	assert.InDelta(t, 500, s.TotalValue, 1e-9)
	assert.InDelta(t, 1500, s.PeakValue, 1e-9)
	assert.Equal(t, 1, s.OpenPositions)

	hist := h.engine.deps.Portfolio.History.Snapshots()
	require.Len(t, hist, 3)
	assert.InDelta(t, 1000, hist[0].NetFlow, 1e-9)
	assert.InDelta(t, 500, hist[1].NetFlow, 1e-9)
	assert.InDelta(t, -1000, hist[2].NetFlow, 1e-9, "a replayed exit books once")
}

func TestPauseAndResume(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()

	h.engine.Pause(domain.ErrFeedDisconnected)
	paused, reason := h.engine.Paused()
	assert.True(t, paused)
	assert.ErrorIs(t, reason, domain.ErrFeedDisconnected)
	assert.ErrorIs(t, h.engine.Submit(ctx, tick("MINT", t0, 1)), domain.ErrPipelinePaused)

	h.snapshots.fail(errors.New("disk full"))
	err := h.engine.Resume(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	paused, _ = h.engine.Paused()
	assert.True(t, paused)

	h.snapshots.fail(nil)
	require.NoError(t, h.engine.Resume(ctx))
	require.NoError(t, h.engine.Submit(ctx, tick("MINT", t0, 1)))
}

func TestPersist_FailurePauses(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	h.snapshots.fail(errors.New("connection refused"))

	err := h.engine.Persist(context.Background())
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	paused, _ := h.engine.Paused()
	assert.True(t, paused)
}

func TestSnapshotRehydrateAndReplayOrdering(t *testing.T) {
	store := &memSnapshots{}
	h := start(t, store)
	h.run(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "MINT", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)
	id := openMint(t, h)

	ev := tick("MINT", t0.Add(10*time.Second), 130)
	ev.Cursor = "1700000000000-0"
	require.NoError(t, h.engine.Submit(ctx, ev))
	require.NoError(t, h.engine.Persist(ctx))

	h2 := start(t, store)
	ok, err := h2.engine.Rehydrate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	h2.run(t)

	assert.Equal(t, "1700000000000-0", h2.engine.Cursor())
	p, err := h2.engine.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 130.0, p.CurrentPrice)
	_, err = h2.engine.Entity("MINT")
	require.NoError(t, err)
	assert.Equal(t, 1300.0, h2.engine.Portfolio().PeakValue)

	err = h2.engine.Submit(ctx, tick("MINT", t0.Add(5*time.Second), 1))
	assert.ErrorIs(t, err, domain.ErrOutOfOrderEvent, "watermarks survive a restart")
}

func TestRehydrate_EmptyStore(t *testing.T) {
	h := start(t, nil)
	ok, err := h.engine.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotter_SkipsWhenLockHeld(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	locks := lockFunc(func(context.Context, string, time.Duration) (func(), error) {
		return nil, domain.ErrLockHeld
	})
	s := NewSnapshotter(h.engine, locks, time.Minute, quietLogger())
	require.NoError(t, s.SaveOnce(context.Background()))
	_, err := h.snapshots.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s = NewSnapshotter(h.engine, nil, time.Minute, quietLogger())
	require.NoError(t, s.SaveOnce(context.Background()))
	_, err = h.snapshots.Load(context.Background())
	assert.NoError(t, err)
}

type lockFunc func(ctx context.Context, key string, ttl time.Duration) (func(), error)

func (f lockFunc) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return f(ctx, key, ttl)
}

func TestEvaluateEntry(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	openMint(t, h) // 1000 in MINT

	got := h.engine.EvaluateEntry(EntryProposal{TokenID: "NEW", Price: 2, MaxRiskFraction: 0.1})
	assert.Equal(t, domain.ActionHold, got.Action.Kind)
	assert.Equal(t, 50.0, got.Quantity) // 1000 * 0.1 / 2

	_, err := h.engine.Register(ctx, domain.MonitoredEntity{ID: "BAD", Kind: domain.EntityKindToken, Baseline: baseline()})
	require.NoError(t, err)
	snap := baseline()
	snap.SellSimulationFailed = true
	require.NoError(t, h.engine.Submit(ctx, txn("BAD", t0.Add(time.Second), snap)))
	h.flush(t)

	got = h.engine.EvaluateEntry(EntryProposal{TokenID: "BAD", Price: 2})
	assert.Equal(t, domain.ActionRejectEntry, got.Action.Kind)
	assert.Zero(t, got.Quantity)

	got = h.engine.EvaluateEntry(EntryProposal{TokenID: "MINT", Price: 100, Value: 500})
	assert.Equal(t, domain.ActionRejectEntry, got.Action.Kind)
	assert.Equal(t, []string{domain.ReasonConcentration}, got.ReasonCodes)
}

func TestConcurrentEntities(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()

	const entities, ticks = 16, 50
	ids := make([]string, entities)
	for i := range ids {
		id, err := h.engine.Open(ctx, domain.EntrySpec{TokenID: fmt.Sprintf("T%d", i), Price: 10, Quantity: 1, Timestamp: t0})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for i := 0; i < entities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 1; n <= ticks; n++ {
				ev := tick(fmt.Sprintf("T%d", i), t0.Add(time.Duration(n)*time.Second), float64(10+n))
				assert.NoError(t, h.engine.Submit(ctx, ev))
			}
		}(i)
	}
	wg.Wait()
	h.flush(t)

	for _, id := range ids {
		p, err := h.engine.Position(id)
		require.NoError(t, err)
		assert.Equal(t, float64(10+ticks), p.CurrentPrice, "last tick wins for every entity")
	}
}

type fillingBroker struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (b *fillingBroker) Submit(_ context.Context, o domain.Order) (domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o)
	return domain.Fill{OrderID: o.ID, Quantity: o.Quantity, Price: o.LimitPrice, FilledAt: t0.Add(time.Minute)}, nil
}

func TestExecutor_BooksFills(t *testing.T) {
	h := start(t, nil)
	h.run(t)
	ctx := context.Background()
	id := openMint(t, h)

	broker := &fillingBroker{}
	x := NewExecutor(h.engine, broker, alert.NewMemoryDedup(nil), time.Minute, quietLogger())

	ev := domain.DecisionEvent{PositionID: id, Action: domain.PartialExit(0.75), Price: 90, ReasonCodes: []string{domain.ReasonRiskHigh}}
	require.NoError(t, x.Execute(ctx, ev))
	require.NoError(t, x.Execute(ctx, ev), "cool-down suppresses a repeat")

	p, err := h.engine.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 2.5, p.RemainingQuantity)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, p.Status)
	require.Len(t, broker.orders, 1)
	assert.Equal(t, domain.OrderSideSell, broker.orders[0].Side)

	require.NoError(t, x.Execute(ctx, domain.DecisionEvent{PositionID: id, Action: domain.FullExit(), Price: 70}))
	p, err = h.engine.Position(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, p.Status)
	assert.Zero(t, p.RemainingQuantity)
	assert.InDelta(t, -75-75, p.Exits[0].RealizedPnL+p.Exits[1].RealizedPnL, 1e-9)
}

func TestExitQuantity(t *testing.T) {
	assert.Equal(t, 10.0, exitQuantity(10, domain.FullExit()))
	assert.Equal(t, 0.3, exitQuantity(0.6, domain.PartialExit(0.5)))
	assert.Zero(t, exitQuantity(10, domain.Hold()))
}
