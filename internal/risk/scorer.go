// Package risk scores monitored entities from snapshot deltas and tracks the
// per-entity surveillance state machine.
package risk

import (
	"fmt"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// MaxScore caps every composite score.
const MaxScore = 100

// Tier awards Points when a signal strictly exceeds Threshold. Tiers on the
// same signal do not stack: the highest crossed tier counts.
type Tier struct {
	Threshold float64 `toml:"threshold" json:"threshold"`
	Points    int     `toml:"points" json:"points"`
}

// Weights is the scoring table. It is configuration, not an invariant.
type Weights struct {
	LiquidityDrop           []Tier `toml:"liquidity_drop"`
	AuthorityOutflow        []Tier `toml:"authority_outflow"`
	HolderCountDrop         []Tier `toml:"holder_count_drop"`
	ConcentrationIncrease   []Tier `toml:"concentration_increase"`
	SellSimulationFailed    int    `toml:"sell_simulation_failed"`
	CommunityChannelRemoved int    `toml:"community_channel_removed"`
	AuthorityFundsOffChain  int    `toml:"authority_funds_off_chain"`
	CriticalFloor           int    `toml:"critical_floor"`
}

// DefaultWeights returns the reference weight table.
func DefaultWeights() Weights {
	return Weights{
		LiquidityDrop:           []Tier{{0.10, 15}, {0.30, 40}},
		AuthorityOutflow:        []Tier{{0.02, 20}, {0.05, 50}},
		HolderCountDrop:         []Tier{{0.10, 10}},
		ConcentrationIncrease:   []Tier{{0.10, 10}, {0.25, 25}},
		SellSimulationFailed:    80,
		CommunityChannelRemoved: 50,
		AuthorityFundsOffChain:  80,
		CriticalFloor:           80,
	}
}

// Validate rejects weight tables that would break score monotonicity.
func (w Weights) Validate() error {
	for name, tiers := range map[string][]Tier{
		"liquidity_drop":         w.LiquidityDrop,
		"authority_outflow":      w.AuthorityOutflow,
		"holder_count_drop":      w.HolderCountDrop,
		"concentration_increase": w.ConcentrationIncrease,
	} {
		for _, t := range tiers {
			if t.Points < 0 {
				return fmt.Errorf("risk: %s tier %g has negative points", name, t.Threshold)
			}
		}
	}
	if w.CriticalFloor < 0 || w.CriticalFloor > MaxScore {
		return fmt.Errorf("risk: critical_floor must be within 0-%d, got %d", MaxScore, w.CriticalFloor)
	}
	return nil
}

// Deltas are the normalized differences between a baseline and a current
// snapshot. Percentages are fractions of the baseline value.
type Deltas struct {
	LiquidityDropPct        float64 `json:"liquidity_drop_pct"`
	AuthorityOutflowPct     float64 `json:"authority_outflow_pct"`
	HolderCountDropPct      float64 `json:"holder_count_drop_pct"`
	ConcentrationIncrease   float64 `json:"concentration_increase"`
	SellSimulationFailed    bool    `json:"sell_simulation_failed"`
	CommunityChannelRemoved bool    `json:"community_channel_removed"`
	AuthorityFundsOffChain  bool    `json:"authority_funds_off_chain"`
}

// Critical reports whether a flag that forces a critical score is set.
func (d Deltas) Critical() bool {
	return d.SellSimulationFailed || d.AuthorityFundsOffChain
}

// ComputeDeltas derives Deltas from two snapshots. A zero baseline yields a
// zero percentage for that signal.
func ComputeDeltas(baseline, current domain.Snapshot) Deltas {
	return Deltas{
		LiquidityDropPct:        dropPct(baseline.Liquidity, current.Liquidity),
		AuthorityOutflowPct:     dropPct(baseline.AuthorityBalance, current.AuthorityBalance),
		HolderCountDropPct:      dropPct(float64(baseline.HolderCount), float64(current.HolderCount)),
		ConcentrationIncrease:   current.TopHolderShare - baseline.TopHolderShare,
		SellSimulationFailed:    current.SellSimulationFailed,
		CommunityChannelRemoved: current.CommunityChannelRemoved,
		AuthorityFundsOffChain:  current.AuthorityFundsOffChain,
	}
}

func dropPct(base, cur float64) float64 {
	if base <= 0 {
		return 0
	}
	return (base - cur) / base
}

// Assessment is the result of scoring one pair of snapshots.
type Assessment struct {
	Score       int             `json:"score"`
	Band        domain.RiskBand `json:"band"`
	Deltas      Deltas          `json:"deltas"`
	ReasonCodes []string        `json:"reason_codes"`
	Critical    bool            `json:"critical"`
}

// Scorer computes composite risk scores. It is stateless apart from its
// weight table and safe for concurrent use.
type Scorer struct {
	w Weights
}

// NewScorer creates a Scorer with the given weight table.
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Weights returns the scorer's weight table.
func (s *Scorer) Weights() Weights {
	return s.w
}

// Assess scores current against baseline.
func (s *Scorer) Assess(baseline, current domain.Snapshot) Assessment {
	return s.Score(ComputeDeltas(baseline, current))
}

// Score maps deltas to a capped composite score. The result is a monotone
// non-decreasing function of every signal.
func (s *Scorer) Score(d Deltas) Assessment {
	var (
		total   int
		reasons []string
	)
	add := func(points int, reason string) {
		if points > 0 {
			total += points
			reasons = append(reasons, reason)
		}
	}

	add(tierPoints(s.w.LiquidityDrop, d.LiquidityDropPct), domain.ReasonLiquidityDrop)
	add(tierPoints(s.w.AuthorityOutflow, d.AuthorityOutflowPct), domain.ReasonAuthorityOutflow)
	add(tierPoints(s.w.HolderCountDrop, d.HolderCountDropPct), domain.ReasonHolderDrop)
	add(tierPoints(s.w.ConcentrationIncrease, d.ConcentrationIncrease), domain.ReasonConcentrationRise)
	if d.SellSimulationFailed {
		add(s.w.SellSimulationFailed, domain.ReasonSellSimulation)
	}
	if d.CommunityChannelRemoved {
		add(s.w.CommunityChannelRemoved, domain.ReasonCommunityRemoved)
	}
	if d.AuthorityFundsOffChain {
		add(s.w.AuthorityFundsOffChain, domain.ReasonAuthorityOffChain)
	}

	critical := d.Critical()
	if critical && total < s.w.CriticalFloor {
		total = s.w.CriticalFloor
	}
	if total > MaxScore {
		total = MaxScore
	}
	if reasons == nil {
		reasons = []string{}
	}
	return Assessment{
		Score:       total,
		Band:        BandFor(total),
		Deltas:      d,
		ReasonCodes: reasons,
		Critical:    critical,
	}
}

func tierPoints(tiers []Tier, v float64) int {
	best := 0
	for _, t := range tiers {
		if v > t.Threshold && t.Points > best {
			best = t.Points
		}
	}
	return best
}

// BandFor maps a score to its band: 0-20 low, 21-40 monitoring, 41-60
// warning, 61-100 critical.
func BandFor(score int) domain.RiskBand {
	switch {
	case score <= 20:
		return domain.RiskBandLow
	case score <= 40:
		return domain.RiskBandMonitoring
	case score <= 60:
		return domain.RiskBandWarning
	default:
		return domain.RiskBandCritical
	}
}

// Label renders a score as the safety label shown to operators. The safety
// scale is the inverse of the risk score.
func Label(score int, critical bool) string {
	if critical {
		return "RUGGED"
	}
	safety := MaxScore - score
	switch {
	case safety >= 80:
		return "SAFE"
	case safety >= 50:
		return "MODERATE RISK"
	case safety >= 30:
		return "HIGH RISK"
	default:
		return "DANGER"
	}
}
