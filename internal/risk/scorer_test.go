package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

func TestScore_WeightTable(t *testing.T) {
	s := NewScorer(DefaultWeights())
	tests := []struct {
		name  string
		d     Deltas
		score int
		band  domain.RiskBand
	}{
		{"no change", Deltas{}, 0, domain.RiskBandLow},
		{"liquidity at threshold", Deltas{LiquidityDropPct: 0.10}, 0, domain.RiskBandLow},
		{"liquidity lower tier", Deltas{LiquidityDropPct: 0.15}, 15, domain.RiskBandLow},
		{"liquidity 35 percent", Deltas{LiquidityDropPct: 0.35}, 40, domain.RiskBandMonitoring},
		{"authority lower tier", Deltas{AuthorityOutflowPct: 0.03}, 20, domain.RiskBandLow},
		{"authority upper tier", Deltas{AuthorityOutflowPct: 0.06}, 50, domain.RiskBandWarning},
		{"holders", Deltas{HolderCountDropPct: 0.2}, 10, domain.RiskBandLow},
		{"concentration", Deltas{ConcentrationIncrease: 0.3}, 25, domain.RiskBandMonitoring},
		{"community removed", Deltas{CommunityChannelRemoved: true}, 50, domain.RiskBandWarning},
		{"liquidity and authority", Deltas{LiquidityDropPct: 0.35, AuthorityOutflowPct: 0.03}, 60, domain.RiskBandWarning},
		{"sell simulation only", Deltas{SellSimulationFailed: true}, 80, domain.RiskBandCritical},
		{"off-chain only", Deltas{AuthorityFundsOffChain: true}, 80, domain.RiskBandCritical},
		{"capped", Deltas{SellSimulationFailed: true, CommunityChannelRemoved: true, LiquidityDropPct: 0.5}, 100, domain.RiskBandCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := s.Score(tt.d)
			assert.Equal(t, tt.score, a.Score)
			assert.Equal(t, tt.band, a.Band)
		})
	}
}

func TestScore_CriticalFlagForcesFloor(t *testing.T) {
	w := DefaultWeights()
	w.SellSimulationFailed = 5
	a := NewScorer(w).Score(Deltas{SellSimulationFailed: true})
	assert.Equal(t, 80, a.Score)
	assert.True(t, a.Critical)
	assert.Contains(t, a.ReasonCodes, domain.ReasonSellSimulation)
}

func TestScore_MonotoneInLiquidityDrop(t *testing.T) {
	s := NewScorer(DefaultWeights())
	fixed := Deltas{AuthorityOutflowPct: 0.03, HolderCountDropPct: 0.15}
	prev := -1
	for drop := 0.0; drop <= 1.0; drop += 0.01 {
		d := fixed
		d.LiquidityDropPct = drop
		got := s.Score(d).Score
		assert.GreaterOrEqual(t, got, prev, "drop=%.2f", drop)
		prev = got
	}
}

func TestAssess_ComputesDeltas(t *testing.T) {
	s := NewScorer(DefaultWeights())
	base := domain.Snapshot{Liquidity: 1000, AuthorityBalance: 100, HolderCount: 200, TopHolderShare: 0.3}
	cur := domain.Snapshot{Liquidity: 650, AuthorityBalance: 100, HolderCount: 200, TopHolderShare: 0.3}

	a := s.Assess(base, cur)
	assert.InDelta(t, 0.35, a.Deltas.LiquidityDropPct, 1e-12)
	assert.Equal(t, 0.0, a.Deltas.AuthorityOutflowPct)
	assert.Equal(t, 40, a.Score)
	assert.Equal(t, domain.RiskBandMonitoring, a.Band)
	assert.Equal(t, []string{domain.ReasonLiquidityDrop}, a.ReasonCodes)
}

func TestComputeDeltas_ZeroBaseline(t *testing.T) {
	d := ComputeDeltas(domain.Snapshot{}, domain.Snapshot{Liquidity: 5})
	assert.Equal(t, 0.0, d.LiquidityDropPct)
}

func TestBandFor_Boundaries(t *testing.T) {
	assert.Equal(t, domain.RiskBandLow, BandFor(20))
	assert.Equal(t, domain.RiskBandMonitoring, BandFor(21))
	assert.Equal(t, domain.RiskBandMonitoring, BandFor(40))
	assert.Equal(t, domain.RiskBandWarning, BandFor(41))
	assert.Equal(t, domain.RiskBandWarning, BandFor(60))
	assert.Equal(t, domain.RiskBandCritical, BandFor(61))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "SAFE", Label(0, false))
	assert.Equal(t, "MODERATE RISK", Label(40, false))
	assert.Equal(t, "HIGH RISK", Label(70, false))
	assert.Equal(t, "DANGER", Label(90, false))
	assert.Equal(t, "RUGGED", Label(80, true))
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	w := DefaultWeights()
	w.HolderCountDrop = []Tier{{0.1, -5}}
	assert.Error(t, w.Validate())
}
