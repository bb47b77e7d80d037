package domain

import (
	"fmt"
	"time"
)

// ActionKind enumerates the decisions the engine can take.
type ActionKind string

const (
	ActionHold        ActionKind = "hold"
	ActionPartialExit ActionKind = "partial_exit"
	ActionFullExit    ActionKind = "full_exit"
	ActionRejectEntry ActionKind = "reject_entry"
)

// Action is a decision outcome. Fraction is only meaningful for
// ActionPartialExit and is the share of remaining quantity to exit.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Fraction float64    `json:"fraction,omitempty"`
}

// Hold, FullExit, RejectEntry and PartialExit build actions.
func Hold() Action        { return Action{Kind: ActionHold} }
func FullExit() Action    { return Action{Kind: ActionFullExit} }
func RejectEntry() Action { return Action{Kind: ActionRejectEntry} }
func PartialExit(fraction float64) Action {
	return Action{Kind: ActionPartialExit, Fraction: fraction}
}

// IsExit reports whether the action reduces a position.
func (a Action) IsExit() bool {
	return a.Kind == ActionPartialExit || a.Kind == ActionFullExit
}

func (a Action) String() string {
	if a.Kind == ActionPartialExit {
		return fmt.Sprintf("%s(%g)", a.Kind, a.Fraction)
	}
	return string(a.Kind)
}

// Reason codes attached to decisions and assessments.
const (
	ReasonRiskCritical        = "risk_critical"
	ReasonRiskHigh            = "risk_high"
	ReasonRiskElevated        = "risk_elevated"
	ReasonStopLoss            = "stop_loss"
	ReasonTakeProfit          = "take_profit"
	ReasonConcentration       = "concentration_limit"
	ReasonPositionClosed      = "position_closed"
	ReasonLiquidityDrop       = "liquidity_drop"
	ReasonAuthorityOutflow    = "authority_outflow"
	ReasonHolderDrop          = "holder_count_drop"
	ReasonConcentrationRise   = "holder_concentration"
	ReasonSellSimulation      = "sell_simulation_failed"
	ReasonCommunityRemoved    = "community_channel_removed"
	ReasonAuthorityOffChain   = "authority_funds_off_chain"
	ReasonCriticalLatched     = "critical_latched"
	ReasonEntrySizedToZero    = "entry_sized_to_zero"
	ReasonEntryBudgetExceeded = "entry_budget_exceeded"
)

// DecisionEvent is the output of one pipeline evaluation.
type DecisionEvent struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	PositionID  string    `json:"position_id,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	Action      Action    `json:"action"`
	RiskScore   int       `json:"risk_score"`
	ReasonCodes []string  `json:"reason_codes"`
	Price       float64   `json:"price,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
