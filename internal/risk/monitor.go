package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// Monitor owns the MonitoredEntity records and drives their state machine:
//
//	baseline -> monitoring <-> warning
//	      \          \          \
//	       +----------+----------+--> critical (latched until Reset)
//
// Scores are only ever produced by the Scorer from snapshot deltas.
type Monitor struct {
	mu       sync.RWMutex
	scorer   *Scorer
	entities map[string]*domain.MonitoredEntity
	logger   *slog.Logger
}

// NewMonitor creates an empty Monitor.
func NewMonitor(scorer *Scorer, logger *slog.Logger) *Monitor {
	return &Monitor{
		scorer:   scorer,
		entities: make(map[string]*domain.MonitoredEntity),
		logger:   logger.With(slog.String("component", "risk_monitor")),
	}
}

// Register starts surveillance of e, taking e.Baseline as the baseline.
func (m *Monitor) Register(e domain.MonitoredEntity, ts time.Time) (domain.MonitoredEntity, error) {
	if strings.TrimSpace(e.ID) == "" {
		return domain.MonitoredEntity{}, fmt.Errorf("risk: register: entity id is required: %w", domain.ErrInvalidEntry)
	}
	if e.Kind != domain.EntityKindWallet && e.Kind != domain.EntityKindToken {
		return domain.MonitoredEntity{}, fmt.Errorf("risk: register %s: unknown kind %q: %w", e.ID, e.Kind, domain.ErrInvalidEntry)
	}
	if e.TokenID == "" && e.Kind == domain.EntityKindToken {
		e.TokenID = e.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[e.ID]; exists {
		return domain.MonitoredEntity{}, fmt.Errorf("risk: register %s: %w", e.ID, domain.ErrAlreadyExists)
	}

	a := m.scorer.Assess(e.Baseline, e.Baseline)
	rec := e.Clone()
	rec.Current = e.Baseline
	rec.Score = a.Score
	rec.Band = a.Band
	rec.State = domain.EntityStateBaseline
	rec.ReasonCodes = a.ReasonCodes
	rec.RegisteredAt = ts
	rec.LastEvaluatedAt = ts
	if a.Critical {
		rec.State = domain.EntityStateCritical
	}
	m.entities[e.ID] = &rec

	m.logger.Info("risk: entity registered",
		slog.String("entity_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
		slog.String("token_id", rec.TokenID),
	)
	return rec.Clone(), nil
}

// Observe refreshes the current snapshot of an entity and rescores it. Once
// critical, the entity stays critical and its score never drops below the
// highest score seen since it latched.
func (m *Monitor) Observe(id string, snap domain.Snapshot, ts time.Time) (Assessment, domain.MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entities[id]
	if !ok {
		return Assessment{}, domain.MonitoredEntity{}, fmt.Errorf("risk: observe %s: %w", id, domain.ErrUnknownEntity)
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = ts
	}

	a := m.scorer.Assess(rec.Baseline, snap)
	prev := rec.State

	rec.Current = snap
	rec.LastEvaluatedAt = ts

	if prev == domain.EntityStateCritical {
		if a.Band != domain.RiskBandCritical {
			a.ReasonCodes = append(a.ReasonCodes, domain.ReasonCriticalLatched)
		}
		if rec.Score > a.Score {
			a.Score = rec.Score
		}
		a.Band = domain.RiskBandCritical
	} else {
		rec.State = stateFor(a.Band)
	}
	rec.Score = a.Score
	rec.Band = a.Band
	rec.ReasonCodes = append([]string(nil), a.ReasonCodes...)

	if rec.State != prev {
		m.logger.Info("risk: entity state changed",
			slog.String("entity_id", id),
			slog.String("from", string(prev)),
			slog.String("to", string(rec.State)),
			slog.Int("score", rec.Score),
			slog.String("label", Label(rec.Score, a.Critical)),
		)
	}
	return a, rec.Clone(), nil
}

func stateFor(b domain.RiskBand) domain.EntityState {
	switch b {
	case domain.RiskBandWarning:
		return domain.EntityStateWarning
	case domain.RiskBandCritical:
		return domain.EntityStateCritical
	default:
		return domain.EntityStateMonitoring
	}
}

// Reset clears a critical latch and returns the entity to monitoring. With
// rebaseline the current snapshot becomes the new baseline.
func (m *Monitor) Reset(id string, rebaseline bool, ts time.Time) (domain.MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entities[id]
	if !ok {
		return domain.MonitoredEntity{}, fmt.Errorf("risk: reset %s: %w", id, domain.ErrUnknownEntity)
	}
	if rebaseline {
		rec.Baseline = rec.Current
	}
	a := m.scorer.Assess(rec.Baseline, rec.Current)
	rec.Score = a.Score
	rec.Band = a.Band
	rec.ReasonCodes = append([]string(nil), a.ReasonCodes...)
	rec.State = domain.EntityStateMonitoring
	rec.LastEvaluatedAt = ts

	m.logger.Warn("risk: entity reset",
		slog.String("entity_id", id),
		slog.Bool("rebaseline", rebaseline),
		slog.Int("score", rec.Score),
	)
	return rec.Clone(), nil
}

// Remove stops surveillance of an entity.
func (m *Monitor) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return false
	}
	delete(m.entities, id)
	return true
}

// Get returns a copy of an entity.
func (m *Monitor) Get(id string) (domain.MonitoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entities[id]
	if !ok {
		return domain.MonitoredEntity{}, fmt.Errorf("risk: get %s: %w", id, domain.ErrUnknownEntity)
	}
	return rec.Clone(), nil
}

// List returns copies of all entities ordered by id.
func (m *Monitor) List() []domain.MonitoredEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.MonitoredEntity, 0, len(m.entities))
	for _, rec := range m.entities {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScoreForToken returns the highest score across entities protecting
// tokenID, and whether any such entity exists.
func (m *Monitor) ScoreForToken(tokenID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best, found := 0, false
	for _, rec := range m.entities {
		if rec.TokenID != tokenID {
			continue
		}
		found = true
		if rec.Score > best {
			best = rec.Score
		}
	}
	return best, found
}

// Restore replaces all entities.
func (m *Monitor) Restore(entities []domain.MonitoredEntity) {
	next := make(map[string]*domain.MonitoredEntity, len(entities))
	for _, e := range entities {
		cp := e.Clone()
		next[e.ID] = &cp
	}
	m.mu.Lock()
	m.entities = next
	m.mu.Unlock()
}
