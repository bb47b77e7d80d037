package domain

import "time"

// PortfolioSummary is a derived read model. Pointer fields are nil when the
// metric is undefined for the current position set.
type PortfolioSummary struct {
	TotalValue         float64   `json:"total_value"`
	TotalCost          float64   `json:"total_cost"`
	UnrealizedPnL      float64   `json:"unrealized_pnl"`
	RealizedPnL        float64   `json:"realized_pnl"`
	Concentration      float64   `json:"concentration"`
	ConcentrationToken string    `json:"concentration_token,omitempty"`
	WinRate            *float64  `json:"win_rate"`
	PeakValue          float64   `json:"peak_value"`
	Drawdown           float64   `json:"drawdown"`
	TimeWeightedReturn *float64  `json:"time_weighted_return"`
	SharpeLike         *float64  `json:"sharpe_like"`
	OpenPositions      int       `json:"open_positions"`
	ClosedPositions    int       `json:"closed_positions"`
	ComputedAt         time.Time `json:"computed_at"`
}

// DailySnapshot is the portfolio value at the end of a period. NetFlow is
// external capital added (positive) or withdrawn (negative) during it.
type DailySnapshot struct {
	Date    time.Time `json:"date"`
	Value   float64   `json:"value"`
	NetFlow float64   `json:"net_flow"`
}
