package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors, rejected at the call boundary.
	ErrInvalidEntry    = errors.New("invalid entry")
	ErrInvalidExit     = errors.New("invalid exit")
	ErrOverExit        = errors.New("exit exceeds remaining quantity")
	ErrUnknownPosition = errors.New("unknown position")
	ErrStaleExit       = errors.New("stale exit")
	ErrOutOfOrderEvent = errors.New("out of order event")
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrInvalidEvent    = errors.New("invalid feed event")

	// Data errors.
	ErrInsufficientData = errors.New("insufficient data")

	// Delivery errors.
	ErrDeliveryFailed = errors.New("delivery failed")

	// Fatal errors. The pipeline pauses until explicitly resumed.
	ErrFeedDisconnected       = errors.New("feed disconnected")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrPipelinePaused         = errors.New("pipeline paused")
	ErrEngineStopped          = errors.New("engine stopped")
)

// InvalidEntryError reports which entry field failed validation.
type InvalidEntryError struct {
	Field string
	Rule  string
	Value any
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid entry: %s failed %q (got %v)", e.Field, e.Rule, e.Value)
}

func (e *InvalidEntryError) Unwrap() error { return ErrInvalidEntry }

// OverExitError carries the remaining quantity so callers can resubmit.
type OverExitError struct {
	PositionID string
	Requested  float64
	Remaining  float64
}

func (e *OverExitError) Error() string {
	return fmt.Sprintf("position %s: exit of %g exceeds remaining quantity %g", e.PositionID, e.Requested, e.Remaining)
}

func (e *OverExitError) Unwrap() error { return ErrOverExit }

// StaleExitError is returned when an exit is older than the last applied one.
type StaleExitError struct {
	PositionID string
	Timestamp  time.Time
	Last       time.Time
}

func (e *StaleExitError) Error() string {
	return fmt.Sprintf("position %s: exit at %s precedes last applied exit at %s",
		e.PositionID, e.Timestamp.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

func (e *StaleExitError) Unwrap() error { return ErrStaleExit }

// OutOfOrderError is returned when a feed event is older than the last one
// accepted for the same entity.
type OutOfOrderError struct {
	EntityID  string
	Timestamp time.Time
	Last      time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("entity %s: event at %s precedes last accepted event at %s",
		e.EntityID, e.Timestamp.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrderEvent }
