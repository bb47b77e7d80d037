// Package decision maps a position, its risk score and the portfolio context
// to an action. Everything here is pure: no clocks, no I/O.
package decision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/pnl"
	"github.com/alanyoungcy/positionrisk/internal/risk"
)

// Config holds the rule thresholds and exit fractions.
type Config struct {
	FullExitScore        int     `toml:"full_exit_score"`
	HighRiskScore        int     `toml:"high_risk_score"`
	ElevatedRiskScore    int     `toml:"elevated_risk_score"`
	HighRiskFraction     float64 `toml:"high_risk_fraction"`
	ElevatedRiskFraction float64 `toml:"elevated_risk_fraction"`
	TakeProfitFraction   float64 `toml:"take_profit_fraction"`
	ConcentrationLimit   float64 `toml:"concentration_limit"`
	EntryRejectScore     int     `toml:"entry_reject_score"`
	MaxRiskFraction      float64 `toml:"max_risk_fraction"`
}

// DefaultConfig returns the reference rule table.
func DefaultConfig() Config {
	return Config{
		FullExitScore:        80,
		HighRiskScore:        61,
		ElevatedRiskScore:    41,
		HighRiskFraction:     0.75,
		ElevatedRiskFraction: 0.5,
		TakeProfitFraction:   0.5,
		ConcentrationLimit:   0.25,
		EntryRejectScore:     61,
		MaxRiskFraction:      0.05,
	}
}

// Validate checks that thresholds are ordered and fractions are in (0,1].
func (c Config) Validate() error {
	if !(c.ElevatedRiskScore <= c.HighRiskScore && c.HighRiskScore <= c.FullExitScore && c.FullExitScore <= risk.MaxScore) {
		return fmt.Errorf("decision: thresholds must satisfy elevated <= high <= full_exit <= %d", risk.MaxScore)
	}
	for name, f := range map[string]float64{
		"high_risk_fraction":     c.HighRiskFraction,
		"elevated_risk_fraction": c.ElevatedRiskFraction,
		"take_profit_fraction":   c.TakeProfitFraction,
		"concentration_limit":    c.ConcentrationLimit,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("decision: %s must be within (0, 1], got %g", name, f)
		}
	}
	if c.MaxRiskFraction < 0 || c.MaxRiskFraction > 1 {
		return fmt.Errorf("decision: max_risk_fraction must be within [0, 1], got %g", c.MaxRiskFraction)
	}
	return nil
}

// ProposedEntry is a candidate buy evaluated against the concentration limit.
type ProposedEntry struct {
	TokenID string
	Value   float64
}

// PortfolioContext is the portfolio state a decision is evaluated against.
type PortfolioContext struct {
	TotalValue  float64
	TokenValues map[string]float64
	Proposed    *ProposedEntry
}

// Input bundles the arguments of Decide. Position is nil for a pure entry
// evaluation.
type Input struct {
	Position  *domain.Position
	RiskScore int
	Portfolio PortfolioContext
}

// Decision is the chosen action and the rule that produced it.
type Decision struct {
	Action      domain.Action
	ReasonCodes []string
}

// Engine evaluates the rule table.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decide applies the rules in priority order; the first match wins:
//
//  1. risk >= full exit score           -> FullExit
//  2. price <= stop loss                -> FullExit
//  3. price >= take profit, not yet hit -> PartialExit(take profit fraction)
//  4. risk in high band                 -> PartialExit(high fraction)
//  5. risk in elevated band             -> PartialExit(elevated fraction)
//  6. proposed entry breaches limit     -> RejectEntry
//  7. otherwise                         -> Hold
func (e *Engine) Decide(in Input) Decision {
	c := e.cfg
	p := in.Position

	if p == nil {
		if in.RiskScore >= c.EntryRejectScore {
			return decided(domain.RejectEntry(), domain.ReasonRiskCritical)
		}
		if e.breachesConcentration(in.Portfolio) {
			return decided(domain.RejectEntry(), domain.ReasonConcentration)
		}
		return decided(domain.Hold())
	}

	if p.Status.IsTerminal() {
		return decided(domain.Hold(), domain.ReasonPositionClosed)
	}
	if in.RiskScore >= c.FullExitScore {
		return decided(domain.FullExit(), domain.ReasonRiskCritical)
	}
	if p.StopLoss != nil && p.CurrentPrice <= *p.StopLoss {
		return decided(domain.FullExit(), domain.ReasonStopLoss)
	}
	if p.TakeProfit != nil && p.CurrentPrice >= *p.TakeProfit && !p.TakeProfitTaken {
		return decided(domain.PartialExit(c.TakeProfitFraction), domain.ReasonTakeProfit)
	}
	if in.RiskScore >= c.HighRiskScore {
		return decided(domain.PartialExit(c.HighRiskFraction), domain.ReasonRiskHigh)
	}
	if in.RiskScore >= c.ElevatedRiskScore {
		return decided(domain.PartialExit(c.ElevatedRiskFraction), domain.ReasonRiskElevated)
	}
	if e.breachesConcentration(in.Portfolio) {
		return decided(domain.RejectEntry(), domain.ReasonConcentration)
	}
	return decided(domain.Hold())
}

// breachesConcentration reports whether adding the proposed entry would push
// its token's share of the portfolio above the limit.
func (e *Engine) breachesConcentration(pc PortfolioContext) bool {
	if pc.Proposed == nil || pc.Proposed.Value <= 0 {
		return false
	}
	existing := pnl.D(pc.TokenValues[pc.Proposed.TokenID])
	add := pnl.D(pc.Proposed.Value)
	total := pnl.D(pc.TotalValue).Add(add)
	if !total.IsPositive() {
		return false
	}
	share := existing.Add(add).Div(total)
	return share.GreaterThan(pnl.D(e.cfg.ConcentrationLimit))
}

func decided(a domain.Action, reasons ...string) Decision {
	if reasons == nil {
		reasons = []string{}
	}
	return Decision{Action: a, ReasonCodes: reasons}
}

// SizingInput describes a candidate entry for SizeEntry.
type SizingInput struct {
	TotalValue         float64
	ExistingTokenValue float64
	Price              float64
	MaxRiskFraction    float64 // 0 uses the configured default
	RiskScore          int
}

// SizeEntry returns the quantity to buy: the portfolio budget capped by both
// the risk fraction and the concentration limit, net of what is already held
// in the token, scaled down by the token's risk band.
func (e *Engine) SizeEntry(in SizingInput) (float64, []string) {
	if in.Price <= 0 || in.TotalValue <= 0 {
		return 0, []string{domain.ReasonEntrySizedToZero}
	}
	fraction := in.MaxRiskFraction
	if fraction <= 0 {
		fraction = e.cfg.MaxRiskFraction
	}
	if fraction > e.cfg.ConcentrationLimit {
		fraction = e.cfg.ConcentrationLimit
	}

	budget := pnl.D(in.TotalValue).Mul(pnl.D(fraction))
	headroom := pnl.D(in.TotalValue).Mul(pnl.D(e.cfg.ConcentrationLimit)).Sub(pnl.D(in.ExistingTokenValue))
	if headroom.LessThan(budget) {
		budget = headroom
	}
	if !budget.IsPositive() {
		return 0, []string{domain.ReasonEntryBudgetExceeded}
	}

	mult := bandMultiplier(risk.BandFor(in.RiskScore))
	if mult.IsZero() {
		return 0, []string{domain.ReasonRiskCritical}
	}
	qty := budget.Mul(mult).Div(pnl.D(in.Price))
	return qty.InexactFloat64(), []string{}
}

func bandMultiplier(b domain.RiskBand) decimal.Decimal {
	switch b {
	case domain.RiskBandLow:
		return decimal.NewFromInt(1)
	case domain.RiskBandMonitoring:
		return decimal.NewFromFloat(0.5)
	case domain.RiskBandWarning:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.Zero
	}
}
