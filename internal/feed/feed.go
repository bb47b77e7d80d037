// Package feed consumes market events from external producers and submits
// them to the engine. Two transports are supported: a Redis stream, which is
// replayable from a cursor, and a websocket carrying the same JSON events.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// Sink is the engine surface a feed drives. *engine.Engine satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev domain.FeedEvent) error
	Pause(reason error)
	Resume(ctx context.Context) error
	Cursor() string
}

// Decode parses one JSON feed event.
func Decode(data []byte) (domain.FeedEvent, error) {
	var ev domain.FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.FeedEvent{}, fmt.Errorf("feed: decode: %w: %w", domain.ErrInvalidEvent, err)
	}
	return ev, nil
}

// Encode renders ev as JSON for producers and tests.
func Encode(ev domain.FeedEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("feed: encode: %w", err)
	}
	return data, nil
}

// rejected reports whether err is a per-event rejection. Such events are
// skipped; anything else is a pipeline condition worth retrying.
func rejected(err error) bool {
	return errors.Is(err, domain.ErrInvalidEvent) ||
		errors.Is(err, domain.ErrOutOfOrderEvent) ||
		errors.Is(err, domain.ErrUnknownEntity)
}

func newBackoff(min, max time.Duration) *backoff.Backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
