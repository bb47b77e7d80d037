// Package app provides the top-level application lifecycle management for the
// risk daemon. It wires together all dependencies (stores, caches, blob
// storage, the engine, alerting and notifications) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/positionrisk/internal/blob/s3"
	"github.com/alanyoungcy/positionrisk/internal/config"
	"github.com/alanyoungcy/positionrisk/internal/feed"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. Close releases what Run wired.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.FullMode(ctx, deps)
	case "headless":
		return a.HeadlessMode(ctx, deps)
	case "server":
		return a.ServerMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Replay restores the last snapshot, applies every stream event after from
// (or after the snapshot cursor when from is empty), and saves the result.
// No alerts are sent and no decisions are published while replaying.
func (a *App) Replay(ctx context.Context, from string) (int, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return 0, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	if deps.SignalBus == nil {
		return 0, errors.New("app: replay needs redis.enabled for the feed stream")
	}

	e := a.newEngine(deps, false)
	if _, err := a.rehydrate(ctx, e); err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.Run(runCtx) })

	consumer := feed.NewStreamConsumer(a.streamConfig(), deps.SignalBus, e, a.logger)
	n, err := consumer.CatchUp(runCtx, from)
	if err == nil {
		err = e.Flush(runCtx)
	}
	if err == nil {
		err = e.Persist(runCtx)
	}
	cancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return n, fmt.Errorf("app: replay: %w", err)
	}

	a.logger.InfoContext(ctx, "replay complete",
		slog.Int("events", n),
		slog.String("cursor", e.Cursor()),
	)
	return n, nil
}

// Archive copies one UTC day of audited decisions to object storage.
func (a *App) Archive(ctx context.Context, day time.Time) (int, error) {
	deps, cleanup, err := wire(ctx, a.cfg, a.logger, true)
	if err != nil {
		return 0, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	if deps.Decisions == nil {
		return 0, errors.New("app: archive needs persistence.audit_decisions")
	}

	n, err := s3blob.NewDecisionArchiver(deps.Blobs, deps.Decisions, deps.Audit).ArchiveDay(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("app: archive: %w", err)
	}
	dayStr := day.UTC().Format(time.DateOnly)
	a.logger.InfoContext(ctx, "archive complete",
		slog.String("day", dayStr),
		slog.Int("decisions", n),
	)
	if deps.Notifier != nil && n > 0 {
		msg := fmt.Sprintf("%d decisions for %s archived", n, dayStr)
		if err := deps.Notifier.NotifyText(ctx, "Decisions archived", msg); err != nil {
			a.logger.WarnContext(ctx, "archive notice failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
