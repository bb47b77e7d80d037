package domain

import "time"

// EntityKind distinguishes the two kinds of monitored entities.
type EntityKind string

const (
	EntityKindWallet EntityKind = "wallet"
	EntityKindToken  EntityKind = "token"
)

// RiskBand is the coarse classification of a 0-100 risk score.
type RiskBand string

const (
	RiskBandLow        RiskBand = "low"
	RiskBandMonitoring RiskBand = "monitoring"
	RiskBandWarning    RiskBand = "warning"
	RiskBandCritical   RiskBand = "critical"
)

// EntityState is the surveillance state of a monitored entity.
type EntityState string

const (
	EntityStateBaseline   EntityState = "baseline"
	EntityStateMonitoring EntityState = "monitoring"
	EntityStateWarning    EntityState = "warning"
	EntityStateCritical   EntityState = "critical"
)

// Snapshot is a point-in-time observation of an entity. Boolean fields are
// normalized signals from external classifiers.
type Snapshot struct {
	Liquidity               float64   `json:"liquidity"`
	AuthorityBalance        float64   `json:"authority_balance"`
	HolderCount             int64     `json:"holder_count"`
	TopHolderShare          float64   `json:"top_holder_share"`
	SellSimulationFailed    bool      `json:"sell_simulation_failed"`
	CommunityChannelRemoved bool      `json:"community_channel_removed"`
	AuthorityFundsOffChain  bool      `json:"authority_funds_off_chain"`
	ObservedAt              time.Time `json:"observed_at"`
}

// MonitoredEntity is a wallet or token under risk surveillance. TokenID names
// the token whose positions this entity protects.
type MonitoredEntity struct {
	ID              string      `json:"id"`
	Kind            EntityKind  `json:"kind"`
	TokenID         string      `json:"token_id"`
	Baseline        Snapshot    `json:"baseline"`
	Current         Snapshot    `json:"current"`
	Score           int         `json:"score"`
	Band            RiskBand    `json:"band"`
	State           EntityState `json:"state"`
	ReasonCodes     []string    `json:"reason_codes,omitempty"`
	RegisteredAt    time.Time   `json:"registered_at"`
	LastEvaluatedAt time.Time   `json:"last_evaluated_at"`
}

// Clone returns a copy that shares no slices with e.
func (e MonitoredEntity) Clone() MonitoredEntity {
	out := e
	if e.ReasonCodes != nil {
		out.ReasonCodes = append([]string(nil), e.ReasonCodes...)
	}
	return out
}
