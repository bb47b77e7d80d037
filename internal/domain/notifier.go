package domain

import "context"

// Notifier delivers decision events to an external channel. Implementations
// return an error wrapping ErrDeliveryFailed when nothing was delivered.
type Notifier interface {
	Notify(ctx context.Context, ev DecisionEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev DecisionEvent) error

// Notify calls f(ctx, ev).
func (f NotifierFunc) Notify(ctx context.Context, ev DecisionEvent) error {
	return f(ctx, ev)
}
