package portfolio

import (
	"sync"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// PeakTracker holds the running peak portfolio value. The peak never
// decreases.
type PeakTracker struct {
	mu   sync.Mutex
	peak float64
}

// NewPeakTracker starts tracking from a persisted peak.
func NewPeakTracker(initial float64) *PeakTracker {
	if initial < 0 {
		initial = 0
	}
	return &PeakTracker{peak: initial}
}

// Observe folds value into the peak and returns the updated peak.
func (t *PeakTracker) Observe(value float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if value > t.peak {
		t.peak = value
	}
	return t.peak
}

// Rebase raises the peak with a deposit so that added capital does not hide
// an existing drawdown. before is the portfolio value just ahead of the
// flow. Withdrawals leave the peak where it is.
func (t *PeakTracker) Rebase(before, flow float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case flow <= 0:
	case before > 0:
		t.peak *= (before + flow) / before
	default:
		t.peak += flow
	}
	return t.peak
}

// Peak returns the current peak.
func (t *PeakTracker) Peak() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// DefaultHistoryDays bounds the daily value history.
const DefaultHistoryDays = 365

// History is a bounded series of end-of-day portfolio values.
type History struct {
	mu    sync.Mutex
	max   int
	snaps []domain.DailySnapshot
}

// NewHistory creates a History keeping at most maxDays entries.
func NewHistory(maxDays int) *History {
	if maxDays < 2 {
		maxDays = DefaultHistoryDays
	}
	return &History{max: maxDays}
}

// Record sets the value for the UTC day of at. Repeated calls on the same day
// overwrite the value and accumulate flow.
func (h *History) Record(at time.Time, value, netFlow float64) {
	day := at.UTC().Truncate(24 * time.Hour)

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.snaps); n > 0 {
		last := &h.snaps[n-1]
		if last.Date.Equal(day) {
			last.Value = value
			last.NetFlow += netFlow
			return
		}
		if day.Before(last.Date) {
			return
		}
	}
	h.snaps = append(h.snaps, domain.DailySnapshot{Date: day, Value: value, NetFlow: netFlow})
	if len(h.snaps) > h.max {
		h.snaps = append([]domain.DailySnapshot(nil), h.snaps[len(h.snaps)-h.max:]...)
	}
}

// Snapshots returns a copy of the series, oldest first.
func (h *History) Snapshots() []domain.DailySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.DailySnapshot(nil), h.snaps...)
}

// Restore replaces the series.
func (h *History) Restore(snaps []domain.DailySnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append([]domain.DailySnapshot(nil), snaps...)
	if len(h.snaps) > h.max {
		h.snaps = h.snaps[len(h.snaps)-h.max:]
	}
}

// Aggregator couples Summarize with the persisted peak and history.
type Aggregator struct {
	Peak    *PeakTracker
	History *History
}

// NewAggregator creates an Aggregator with a fresh peak and history.
func NewAggregator(peak float64, historyDays int) *Aggregator {
	return &Aggregator{Peak: NewPeakTracker(peak), History: NewHistory(historyDays)}
}

// Evaluate records the current value and returns the summary.
func (a *Aggregator) Evaluate(positions []domain.Position, now time.Time) domain.PortfolioSummary {
	total, _ := TokenValues(positions)
	peak := a.Peak.Observe(total)
	a.History.Record(now, total, 0)
	return Summarize(positions, peak, a.History.Snapshots(), now)
}

// RecordFlow books capital entering (positive) or leaving (negative) the
// portfolio on now's day. before is the portfolio value ahead of the flow.
// Call Evaluate afterwards to record the value that results.
func (a *Aggregator) RecordFlow(before, flow float64, now time.Time) {
	if flow == 0 {
		return
	}
	a.Peak.Rebase(before, flow)
	a.History.Record(now, before, flow)
}

// View returns the summary without recording anything.
func (a *Aggregator) View(positions []domain.Position, now time.Time) domain.PortfolioSummary {
	return Summarize(positions, a.Peak.Peak(), a.History.Snapshots(), now)
}
