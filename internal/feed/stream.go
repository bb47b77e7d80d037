package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// StreamConfig tunes a StreamConsumer.
type StreamConfig struct {
	Stream     string
	BatchSize  int
	Block      time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultStreamConfig returns production defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:     "feed",
		BatchSize:  256,
		Block:      5 * time.Second,
		BackoffMin: 500 * time.Millisecond,
		BackoffMax: 30 * time.Second,
	}
}

// StreamConsumer reads FeedEvents from a durable stream and submits them in
// stream order. Each accepted event carries its stream ID as the cursor, so
// a snapshot records exactly where replay must resume. A read failure pauses
// the engine with domain.ErrFeedDisconnected; the first successful read
// afterwards resumes it from the last cursor.
type StreamConsumer struct {
	cfg    StreamConfig
	bus    domain.SignalBus
	sink   Sink
	logger *slog.Logger
}

// NewStreamConsumer creates a StreamConsumer.
func NewStreamConsumer(cfg StreamConfig, bus domain.SignalBus, sink Sink, logger *slog.Logger) *StreamConsumer {
	def := DefaultStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	return &StreamConsumer{
		cfg:    cfg,
		bus:    bus,
		sink:   sink,
		logger: logger.With(slog.String("component", "feed_stream")),
	}
}

// Run follows the stream from the engine's cursor until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) error {
	cursor := c.sink.Cursor()
	c.logger.Info("feed: stream consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("cursor", cursor),
	)
	defer c.logger.Info("feed: stream consumer stopped")

	bo := newBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	disconnected := false

	for ctx.Err() == nil {
		msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, cursor, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !disconnected {
				disconnected = true
				c.sink.Pause(fmt.Errorf("%w: %v", domain.ErrFeedDisconnected, err))
			}
			wait := bo.Duration()
			c.logger.Warn("feed: stream read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
			sleep(ctx, wait)
			continue
		}

		if disconnected {
			if err := c.sink.Resume(ctx); err != nil {
				wait := bo.Duration()
				c.logger.Warn("feed: resume failed", slog.String("error", err.Error()), slog.Duration("retry_in", wait))
				sleep(ctx, wait)
				continue
			}
			disconnected = false
			c.logger.Info("feed: stream reconnected", slog.String("cursor", cursor))
		}
		bo.Reset()

		next, err := c.apply(ctx, cursor, msgs)
		cursor = next
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			wait := bo.Duration()
			c.logger.Warn("feed: submit blocked", slog.String("error", err.Error()), slog.Duration("retry_in", wait))
			sleep(ctx, wait)
		}
	}
	return nil
}

var errStop = errors.New("feed: stop")

// apply submits msgs in order and returns the cursor after the last message
// handled. A pipeline condition, such as a pause, stops the batch before the
// failing message so it is retried.
func (c *StreamConsumer) apply(ctx context.Context, cursor string, msgs []domain.StreamMessage) (string, error) {
	for _, m := range msgs {
		ev, err := Decode(m.Payload)
		if err == nil {
			ev.Cursor = m.ID
			err = c.sink.Submit(ctx, ev)
		}
		switch {
		case err == nil:
		case rejected(err):
			c.logger.Warn("feed: event rejected",
				slog.String("id", m.ID),
				slog.String("entity_id", ev.EntityID),
				slog.String("error", err.Error()),
			)
		case ctx.Err() != nil:
			return cursor, errStop
		case errors.Is(err, domain.ErrEngineStopped):
			return cursor, errStop
		default:
			return cursor, err
		}
		cursor = m.ID
	}
	return cursor, nil
}

// CatchUp submits every event after from without blocking for new ones and
// returns how many were accepted. An empty from starts at the engine's
// cursor. Replay uses it to rebuild state after a restore.
func (c *StreamConsumer) CatchUp(ctx context.Context, from string) (int, error) {
	cursor := from
	if cursor == "" {
		cursor = c.sink.Cursor()
	}
	accepted := 0
	for {
		msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, cursor, c.cfg.BatchSize, -1)
		if err != nil {
			return accepted, fmt.Errorf("feed: catch up: %w", err)
		}
		if len(msgs) == 0 {
			return accepted, nil
		}
		for _, m := range msgs {
			ev, err := Decode(m.Payload)
			if err == nil {
				ev.Cursor = m.ID
				err = c.sink.Submit(ctx, ev)
			}
			if err != nil && !rejected(err) {
				return accepted, fmt.Errorf("feed: catch up at %s: %w", m.ID, err)
			}
			if err == nil {
				accepted++
			}
			cursor = m.ID
		}
	}
}
