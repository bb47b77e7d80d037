package domain

import (
	"fmt"
	"strings"
	"time"
)

// FeedEventKind tags the payload of a FeedEvent.
type FeedEventKind string

const (
	FeedEventPriceTick   FeedEventKind = "price_tick"
	FeedEventTransaction FeedEventKind = "transaction"
)

// PriceTick is the payload of a price_tick event. When TokenID is empty the
// event's entity ID is used as the token.
type PriceTick struct {
	TokenID string  `json:"token_id,omitempty"`
	Price   float64 `json:"price"`
}

// FeedEvent is one inbound market event. Timestamps must be non-decreasing
// per entity.
type FeedEvent struct {
	EntityID    string        `json:"entity_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Kind        FeedEventKind `json:"kind"`
	Tick        *PriceTick    `json:"tick,omitempty"`
	Transaction *Snapshot     `json:"transaction,omitempty"`

	// Cursor is the position of the event in its source stream, if any.
	Cursor string `json:"-"`
}

// Validate checks the event envelope and that the payload matches the kind.
func (e FeedEvent) Validate() error {
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case FeedEventPriceTick:
		if e.Tick == nil || e.Tick.Price <= 0 {
			return fmt.Errorf("%w: price_tick requires a positive price", ErrInvalidEvent)
		}
	case FeedEventTransaction:
		if e.Transaction == nil {
			return fmt.Errorf("%w: transaction requires a snapshot", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// TokenID returns the token a price tick refers to.
func (e FeedEvent) TokenID() string {
	if e.Tick != nil && e.Tick.TokenID != "" {
		return e.Tick.TokenID
	}
	return e.EntityID
}
