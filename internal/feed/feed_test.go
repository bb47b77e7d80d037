package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is a Sink that accepts valid events while not paused.
type recorder struct {
	mu      sync.Mutex
	events  []domain.FeedEvent
	pauses  []error
	resumes int
	cursor  string
	paused  bool
}

func (r *recorder) Submit(_ context.Context, ev domain.FeedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return domain.ErrPipelinePaused
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	r.events = append(r.events, ev)
	if ev.Cursor != "" {
		r.cursor = ev.Cursor
	}
	return nil
}

func (r *recorder) Pause(reason error) {
	r.mu.Lock()
	r.paused = true
	r.pauses = append(r.pauses, reason)
	r.mu.Unlock()
}

func (r *recorder) Resume(context.Context) error {
	r.mu.Lock()
	r.paused = false
	r.resumes++
	r.mu.Unlock()
	return nil
}

func (r *recorder) Cursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *recorder) snapshot() ([]domain.FeedEvent, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FeedEvent(nil), r.events...), append([]error(nil), r.pauses...), r.resumes
}

type readResult struct {
	msgs []domain.StreamMessage
	err  error
}

// scriptedBus replays results for StreamRead, then reports an empty stream.
type scriptedBus struct {
	mu      sync.Mutex
	results []readResult
	lastIDs []string
	blocks  []time.Duration
}

func (b *scriptedBus) StreamRead(ctx context.Context, _ string, lastID string, _ int, block time.Duration) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	b.lastIDs = append(b.lastIDs, lastID)
	b.blocks = append(b.blocks, block)
	if len(b.results) > 0 {
		r := b.results[0]
		b.results = b.results[1:]
		b.mu.Unlock()
		return r.msgs, r.err
	}
	b.mu.Unlock()
	if block < 0 {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (b *scriptedBus) Publish(context.Context, string, []byte) error { return nil }

func (b *scriptedBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *scriptedBus) StreamAppend(context.Context, string, []byte) (string, error) {
	return "", errors.New("not supported")
}

func msg(t *testing.T, id string, ev domain.FeedEvent) domain.StreamMessage {
	t.Helper()
	data, err := Encode(ev)
	require.NoError(t, err)
	return domain.StreamMessage{ID: id, Payload: data}
}

func tick(entity string, ts time.Time, price float64) domain.FeedEvent {
	return domain.FeedEvent{EntityID: entity, Timestamp: ts, Kind: domain.FeedEventPriceTick, Tick: &domain.PriceTick{Price: price}}
}

func fastConfig() StreamConfig {
	return StreamConfig{Stream: "feed", BatchSize: 10, Block: time.Millisecond, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"entity_id":"MINT","timestamp":"2026-03-01T12:00:00Z","kind":"price_tick","tick":{"price":1.5}}`))
	require.NoError(t, err)
	assert.Equal(t, "MINT", ev.EntityID)
	assert.Equal(t, 1.5, ev.Tick.Price)
	assert.True(t, t0.Equal(ev.Timestamp))

	_, err = Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestCatchUp_AppliesInOrderAndSkipsRejects(t *testing.T) {
	bus := &scriptedBus{results: []readResult{
		{msgs: []domain.StreamMessage{
			msg(t, "1-0", tick("MINT", t0, 1)),
			{ID: "2-0", Payload: []byte("garbage")},
			msg(t, "3-0", tick("MINT", t0.Add(time.Second), 2)),
		}},
		{msgs: []domain.StreamMessage{msg(t, "4-0", tick("OTHER", t0, 3))}},
	}}
	sink := &recorder{cursor: "0-5"}
	c := NewStreamConsumer(fastConfig(), bus, sink, quiet())

	n, err := c.CatchUp(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, _, _ := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "1-0", events[0].Cursor)
	assert.Equal(t, "3-0", events[1].Cursor)
	assert.Equal(t, "4-0", events[2].Cursor)

	assert.Equal(t, []string{"0-5", "3-0", "4-0"}, bus.lastIDs, "reads resume after the last handled id")
	for _, b := range bus.blocks {
		assert.Negative(t, b, "catch-up never blocks")
	}
}

func TestCatchUp_ExplicitStart(t *testing.T) {
	bus := &scriptedBus{}
	sink := &recorder{cursor: "9-0"}
	_, err := NewStreamConsumer(fastConfig(), bus, sink, quiet()).CatchUp(context.Background(), "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, bus.lastIDs)
}

func TestCatchUp_ReadError(t *testing.T) {
	bus := &scriptedBus{results: []readResult{{err: errors.New("connection refused")}}}
	_, err := NewStreamConsumer(fastConfig(), bus, &recorder{}, quiet()).CatchUp(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRun_DisconnectPausesAndReconnectResumes(t *testing.T) {
	bus := &scriptedBus{results: []readResult{
		{msgs: []domain.StreamMessage{msg(t, "1-0", tick("MINT", t0, 1))}},
		{err: errors.New("i/o timeout")},
		{err: errors.New("i/o timeout")},
		{msgs: []domain.StreamMessage{msg(t, "2-0", tick("MINT", t0.Add(time.Second), 2))}},
	}}
	sink := &recorder{}
	c := NewStreamConsumer(fastConfig(), bus, sink, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		events, _, _ := sink.snapshot()
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, pauses, resumes := sink.snapshot()
	require.Len(t, pauses, 1, "one pause per outage")
	assert.ErrorIs(t, pauses[0], domain.ErrFeedDisconnected)
	assert.Equal(t, 1, resumes)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, "1-0", bus.lastIDs[1], "reconnect resumes from the last cursor")
	assert.Equal(t, "1-0", bus.lastIDs[3])
}

func TestRun_PausedPipelineRetriesSameEvent(t *testing.T) {
	bus := &scriptedBus{results: []readResult{
		{msgs: []domain.StreamMessage{msg(t, "1-0", tick("MINT", t0, 1))}},
	}}
	sink := &recorder{paused: true}
	c := NewStreamConsumer(fastConfig(), bus, sink, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.lastIDs) >= 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, "", bus.lastIDs[1], "a blocked event is read again")
}

func TestDecodeFrame(t *testing.T) {
	evs, err := decodeFrame([]byte(` [{"entity_id":"A","timestamp":"2026-03-01T12:00:00Z","kind":"price_tick","tick":{"price":1}},
		{"entity_id":"B","timestamp":"2026-03-01T12:00:00Z","kind":"price_tick","tick":{"price":2}}]`))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "B", evs[1].EntityID)

	evs, err = decodeFrame([]byte(`{"entity_id":"A","timestamp":"2026-03-01T12:00:00Z","kind":"price_tick","tick":{"price":1}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)

	_, err = decodeFrame([]byte(`[{"entity_id":`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestWSSource_ReadsEventsAndReconnects(t *testing.T) {
	var (
		upgrader = websocket.Upgrader{}
		mu       sync.Mutex
		conns    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"entity_id":"MINT","timestamp":"2026-03-01T12:00:00Z","kind":"price_tick","tick":{"price":1}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			return // drop the connection
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`[{"entity_id":"MINT","timestamp":"2026-03-01T12:00:01Z","kind":"price_tick","tick":{"price":2}}]`))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &recorder{}
	src := NewWSSource(WSConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	}, sink, quiet())

	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		events, _, _ := sink.snapshot()
		return len(events) == 2
	}, 3*time.Second, 5*time.Millisecond)

	src.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("websocket source did not stop")
	}

	events, pauses, resumes := sink.snapshot()
	assert.Equal(t, 2.0, events[1].Tick.Price)
	require.NotEmpty(t, pauses)
	assert.ErrorIs(t, pauses[0], domain.ErrFeedDisconnected)
	assert.GreaterOrEqual(t, resumes, 1)
}
