// Package notify provides a multi-channel notification system. Decision
// events are rendered to text and dispatched to all registered senders
// (Telegram, Discord, etc.), filtered by action so operators receive only the
// alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/risk"
)

var _ domain.Notifier = (*Notifier)(nil)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches decision events to one or more Senders. It maintains a
// set of allowed action kinds; Notify only forwards events whose action is in
// the allowed set, while NotifyText bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed action kinds
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose action kind appears in the events slice will be forwarded by
// Notify. If events is empty, all actions are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify renders ev and sends it to every sender. It fails with
// domain.ErrDeliveryFailed only when no sender accepted the message.
func (n *Notifier) Notify(ctx context.Context, ev domain.DecisionEvent) error {
	kind := string(ev.Action.Kind)
	if len(n.events) > 0 && !n.events[kind] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("action", kind),
		)
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyText sends a free-form message to all senders regardless of filter.
func (n *Notifier) NotifyText(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Format renders a decision event as a title and a message body.
func Format(ev domain.DecisionEvent) (title, message string) {
	critical := slices.ContainsFunc(ev.ReasonCodes, func(r string) bool {
		return r == domain.ReasonSellSimulation || r == domain.ReasonAuthorityOffChain
	})
	title = fmt.Sprintf("%s %s [%s]", strings.ToUpper(ev.Action.String()), subject(ev), risk.Label(ev.RiskScore, critical))

	var b strings.Builder
	fmt.Fprintf(&b, "Risk score: %d/100\n", ev.RiskScore)
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "Position: %s\n", ev.PositionID)
	}
	if ev.Price > 0 {
		fmt.Fprintf(&b, "Price: %g\n", ev.Price)
	}
	if len(ev.ReasonCodes) > 0 {
		fmt.Fprintf(&b, "Reasons: %s\n", strings.Join(ev.ReasonCodes, ", "))
	}
	fmt.Fprintf(&b, "At: %s", ev.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

func subject(ev domain.DecisionEvent) string {
	if ev.TokenID != "" && ev.TokenID != ev.EntityID {
		return fmt.Sprintf("%s (via %s)", ev.TokenID, ev.EntityID)
	}
	return ev.EntityID
}

// dispatch iterates over all senders and sends the notification. A single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) == len(n.senders) {
		return fmt.Errorf("notify: all %d sender(s) failed: %s: %w", len(errs), strings.Join(errs, "; "), domain.ErrDeliveryFailed)
	}
	return nil
}
