package domain

import "time"

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed
}

// EntrySpec describes a new position. Validation rules are enforced by the
// ledger through the struct tags.
type EntrySpec struct {
	TokenID         string    `json:"token_id" validate:"required"`
	Venue           string    `json:"venue"`
	Price           float64   `json:"price" validate:"gt=0"`
	Quantity        float64   `json:"quantity" validate:"gt=0"`
	Fees            float64   `json:"fees" validate:"gte=0"`
	Timestamp       time.Time `json:"timestamp"`
	SourceRef       string    `json:"source_ref"`
	StopLoss        *float64  `json:"stop_loss,omitempty" validate:"omitempty,gt=0"`
	TakeProfit      *float64  `json:"take_profit,omitempty" validate:"omitempty,gt=0"`
	MaxRiskFraction float64   `json:"max_risk_fraction" validate:"gte=0,lte=1"`
}

// ExitRecord is one applied exit. Records are append-only.
type ExitRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Fees           float64   `json:"fees"`
	RealizedPnL    float64   `json:"realized_pnl"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Position represents a tracked ownership stake with its exit history.
type Position struct {
	ID        string `json:"id"`
	TokenID   string `json:"token_id"`
	Venue     string `json:"venue"`
	SourceRef string `json:"source_ref,omitempty"`

	EntryPrice    float64   `json:"entry_price"`
	EntryQuantity float64   `json:"entry_quantity"`
	EntryFees     float64   `json:"entry_fees"`
	CostBasis     float64   `json:"cost_basis"`
	OpenedAt      time.Time `json:"opened_at"`

	CurrentPrice         float64   `json:"current_price"`
	CurrentValue         float64   `json:"current_value"`
	UnrealizedPnL        float64   `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64   `json:"unrealized_pnl_percent"`
	RemainingQuantity    float64   `json:"remaining_quantity"`
	LastPriceAt          time.Time `json:"last_price_at"`

	StopLoss        *float64 `json:"stop_loss,omitempty"`
	TakeProfit      *float64 `json:"take_profit,omitempty"`
	MaxRiskFraction float64  `json:"max_risk_fraction"`
	TakeProfitTaken bool     `json:"take_profit_taken"`

	Status   PositionStatus `json:"status"`
	Exits    []ExitRecord   `json:"exits"`
	ClosedAt *time.Time     `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so callers never share exit history or pointer
// fields with the ledger.
func (p Position) Clone() Position {
	out := p
	if p.Exits != nil {
		out.Exits = make([]ExitRecord, len(p.Exits))
		copy(out.Exits, p.Exits)
	}
	out.StopLoss = cloneFloat(p.StopLoss)
	out.TakeProfit = cloneFloat(p.TakeProfit)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// LastExitAt returns the timestamp of the most recent exit, or the entry
// time when no exit has been applied.
func (p Position) LastExitAt() time.Time {
	if n := len(p.Exits); n > 0 {
		return p.Exits[n-1].Timestamp
	}
	return p.OpenedAt
}

// ExitRequest is the input to Ledger.ApplyExit.
type ExitRequest struct {
	PositionID     string    `json:"position_id"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Fees           float64   `json:"fees"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// ExitResult reports the effect of an applied exit.
type ExitResult struct {
	PositionID  string         `json:"position_id"`
	RealizedPnL float64        `json:"realized_pnl"`
	Remaining   float64        `json:"remaining"`
	Status      PositionStatus `json:"status"`
	Duplicate   bool           `json:"duplicate"`
}

// PositionFilter narrows Ledger.List. Zero values match everything.
type PositionFilter struct {
	Status  PositionStatus
	TokenID string
}

// Matches reports whether p satisfies the filter.
func (f PositionFilter) Matches(p Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.TokenID != "" && p.TokenID != f.TokenID {
		return false
	}
	return true
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}
