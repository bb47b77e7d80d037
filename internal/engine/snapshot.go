package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// Snapshot captures a consistent view of the engine: intake is held while
// pending events drain, so FeedCursor covers exactly the events folded in.
func (e *Engine) Snapshot(ctx context.Context) (domain.EngineSnapshot, error) {
	release, err := e.barrier(ctx)
	if err != nil {
		return domain.EngineSnapshot{}, err
	}
	defer release()

	e.mu.Lock()
	last := make(map[string]time.Time, len(e.subs))
	for id, sub := range e.subs {
		if !sub.lastTS.IsZero() {
			last[id] = sub.lastTS
		}
	}
	cursor := e.cursor
	e.mu.Unlock()

	return domain.EngineSnapshot{
		Positions:   e.deps.Ledger.Snapshot(),
		Entities:    e.deps.Monitor.List(),
		LastEventAt: last,
		PeakValue:   e.deps.Portfolio.Peak.Peak(),
		History:     e.deps.Portfolio.History.Snapshots(),
		FeedCursor:  cursor,
		TakenAt:     e.now().UTC(),
	}, nil
}

// Restore loads snap into an engine that has not started processing.
func (e *Engine) Restore(snap domain.EngineSnapshot) error {
	if err := e.deps.Ledger.Restore(snap.Positions); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	e.deps.Monitor.Restore(snap.Entities)
	e.deps.Portfolio.Peak.Observe(snap.PeakValue)
	e.deps.Portfolio.History.Restore(snap.History)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = make(map[string]*subscription, len(snap.Entities)+len(snap.LastEventAt))
	for _, ent := range snap.Entities {
		e.subs[ent.ID] = &subscription{}
	}
	for id, ts := range snap.LastEventAt {
		sub, ok := e.subs[id]
		if !ok {
			sub = &subscription{}
			e.subs[id] = sub
		}
		sub.lastTS = ts
	}
	e.cursor = snap.FeedCursor

	e.logger.Info("engine: restored from snapshot",
		slog.Int("positions", len(snap.Positions)),
		slog.Int("entities", len(snap.Entities)),
		slog.String("cursor", snap.FeedCursor),
		slog.Time("taken_at", snap.TakenAt),
	)
	return nil
}

// Rehydrate restores the last saved snapshot, if any. It returns false when
// the store is empty.
func (e *Engine) Rehydrate(ctx context.Context) (bool, error) {
	if e.deps.Snapshots == nil {
		return false, nil
	}
	snap, err := e.deps.Snapshots.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: rehydrate: %w: %w", domain.ErrPersistenceUnavailable, err)
	}
	if err := e.Restore(snap); err != nil {
		return false, err
	}
	return true, nil
}

// Persist saves a snapshot. A failed save pauses the engine.
func (e *Engine) Persist(ctx context.Context) error {
	if err := e.persist(ctx); err != nil {
		e.Pause(err)
		return err
	}
	return nil
}

func (e *Engine) persist(ctx context.Context) error {
	if e.deps.Snapshots == nil {
		return nil
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := e.deps.Snapshots.Save(ctx, snap); err != nil {
		e.deps.Metrics.SnapshotsSaved.WithLabelValues("error").Inc()
		return fmt.Errorf("engine: save snapshot: %w: %w", domain.ErrPersistenceUnavailable, err)
	}
	e.deps.Metrics.SnapshotsSaved.WithLabelValues("ok").Inc()
	e.logger.Debug("engine: snapshot saved",
		slog.Int("positions", len(snap.Positions)),
		slog.String("cursor", snap.FeedCursor),
	)
	return nil
}

// Snapshotter persists the engine periodically. With a LockManager, only the
// instance holding the snapshot lock writes.
type Snapshotter struct {
	engine   *Engine
	locks    domain.LockManager
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotter creates a Snapshotter. locks may be nil.
func NewSnapshotter(e *Engine, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Snapshotter{
		engine:   e,
		locks:    locks,
		interval: interval,
		logger:   logger.With(slog.String("component", "snapshotter")),
	}
}

// Run saves a snapshot every interval and once more on shutdown.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("snapshotter: started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := s.SaveOnce(final); err != nil {
				s.logger.Error("snapshotter: final save failed", slog.String("error", err.Error()))
			}
			cancel()
			s.logger.Info("snapshotter: stopped")
			return nil
		case <-ticker.C:
			if err := s.SaveOnce(ctx); err != nil {
				s.logger.Warn("snapshotter: save failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SaveOnce takes the snapshot lock, if configured, and persists the engine.
// Losing the lock to another instance is not an error.
func (s *Snapshotter) SaveOnce(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "snapshot", s.interval)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.Debug("snapshotter: lock held elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("snapshotter: acquire lock: %w", err)
		}
		defer unlock()
	}
	// A pause caused by a failed save is lifted by the next successful one.
	if paused, reason := s.engine.Paused(); paused && errors.Is(reason, domain.ErrPersistenceUnavailable) {
		if err := s.engine.Resume(ctx); err != nil {
			return err
		}
		return nil
	}
	return s.engine.Persist(ctx)
}
