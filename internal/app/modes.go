package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionrisk/internal/alert"
	"github.com/alanyoungcy/positionrisk/internal/decision"
	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/engine"
	"github.com/alanyoungcy/positionrisk/internal/executor"
	"github.com/alanyoungcy/positionrisk/internal/feed"
	"github.com/alanyoungcy/positionrisk/internal/ledger"
	"github.com/alanyoungcy/positionrisk/internal/portfolio"
	"github.com/alanyoungcy/positionrisk/internal/risk"
	"github.com/alanyoungcy/positionrisk/internal/server"
	"github.com/alanyoungcy/positionrisk/internal/server/ws"
)

// components selects what a mode runs on top of the engine.
type components struct {
	feed   bool
	server bool
}

// FullMode consumes the feed, dispatches alerts, optionally executes exits,
// and serves the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, components{feed: true, server: a.cfg.Server.Enabled})
}

// HeadlessMode is FullMode without the HTTP API.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting headless mode")
	return a.run(ctx, deps, components{feed: true})
}

// ServerMode serves the HTTP API over rehydrated state without consuming
// the feed. Positions and entities change only through the API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.run(ctx, deps, components{server: true})
}

func (a *App) run(ctx context.Context, deps *Dependencies, c components) error {
	g, ctx := errgroup.WithContext(ctx)

	e := a.newEngine(deps, true)
	if _, err := a.rehydrate(ctx, e); err != nil {
		return err
	}

	// Cool-down keys for alerts and exits. Without Redis they live in memory.
	dedup := deps.DedupStore
	if dedup == nil {
		mem := alert.NewMemoryDedup(nil)
		g.Go(func() error { return sweep(ctx, mem, time.Minute) })
		dedup = mem
	}

	// Alert dispatcher.
	if a.cfg.Alert.Enabled {
		if deps.Notifier == nil {
			a.logger.WarnContext(ctx, "alerts enabled but no notifier configured, alerts disabled")
		} else {
			dispatcher := alert.New(a.alertConfig(), deps.Notifier, dedup, deps.Metrics, a.logger)
			e.AddSink(dispatcher)
			g.Go(func() error { return dispatcher.Run(ctx) })
		}
	}

	// WebSocket hub for dashboard clients.
	var hub *ws.Hub
	if c.server {
		hub = ws.NewHub(statusOf(e), a.logger)
		g.Go(func() error { return hub.Run(ctx) })
		if !c.feed && deps.SignalBus != nil {
			// Every published decision reaches the hub through the bus,
			// including this engine's own.
			g.Go(func() error { return hub.Relay(ctx, deps.SignalBus, a.cfg.Engine.DecisionsChannel) })
		} else {
			e.AddSink(hub)
		}
	}

	// Exit execution.
	if a.cfg.Executor.Enabled {
		x := a.newExecutor(e, deps, dedup)
		e.AddSink(x)
		g.Go(func() error { return x.Run(ctx) })
	}

	g.Go(func() error { return e.Run(ctx) })

	// Periodic snapshots.
	if deps.Snapshots != nil {
		var locks domain.LockManager
		if a.cfg.Persistence.Lock {
			locks = deps.LockManager
		}
		snapshotter := engine.NewSnapshotter(e, locks, a.cfg.Persistence.Interval.Duration, a.logger)
		g.Go(func() error { return snapshotter.Run(ctx) })
	}

	// Market feed.
	if c.feed {
		switch a.cfg.Feed.Source {
		case "stream":
			consumer := feed.NewStreamConsumer(a.streamConfig(), deps.SignalBus, e, a.logger)
			g.Go(func() error { return consumer.Run(ctx) })
		case "ws":
			header := make(http.Header, len(a.cfg.Feed.WS.Headers))
			for k, v := range a.cfg.Feed.WS.Headers {
				header.Set(k, v)
			}
			src := feed.NewWSSource(feed.WSConfig{
				URL:        a.cfg.Feed.WS.URL,
				Header:     header,
				BackoffMin: a.cfg.Feed.WS.BackoffMin.Duration,
				BackoffMax: a.cfg.Feed.WS.BackoffMax.Duration,
			}, e, a.logger)
			g.Go(func() error {
				defer src.Close()
				return src.Run(ctx)
			})
		default:
			a.logger.InfoContext(ctx, "feed disabled, events arrive through the API only")
		}
	}

	// HTTP API.
	if c.server {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
			Mode:        a.cfg.Mode,
		}, server.Deps{
			Engine:    e,
			Metrics:   deps.Metrics,
			Decisions: deps.Decisions,
			Limiter:   deps.RateLimiter,
			Checks:    deps.Checks,
			Hub:       hub,
		}, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// newEngine builds the pipeline over deps. With live unset, decisions are
// neither published nor audited.
func (a *App) newEngine(deps *Dependencies, live bool) *engine.Engine {
	cfg := a.cfg
	edeps := engine.Deps{
		Ledger:    ledger.New(a.logger),
		Monitor:   risk.NewMonitor(risk.NewScorer(cfg.Risk), a.logger),
		Decider:   decision.New(cfg.Decision),
		Portfolio: portfolio.NewAggregator(cfg.Portfolio.InitialPeak, cfg.Portfolio.HistoryDays),
		Metrics:   deps.Metrics,
		Audit:     deps.Audit,
		Prices:    deps.PriceCache,
		Snapshots: deps.Snapshots,
	}
	if live {
		edeps.Bus = deps.SignalBus
		edeps.Decisions = deps.Decisions
	}
	return engine.New(engine.Config{
		Workers:          cfg.Engine.Workers,
		QueueSize:        cfg.Engine.QueueSize,
		DecisionsChannel: cfg.Engine.DecisionsChannel,
		RecentDecisions:  cfg.Engine.RecentDecisions,
	}, edeps, a.logger)
}

// rehydrate restores the last snapshot when configured to.
func (a *App) rehydrate(ctx context.Context, e *engine.Engine) (bool, error) {
	if !a.cfg.Persistence.Rehydrate {
		return false, nil
	}
	ok, err := e.Rehydrate(ctx)
	if err != nil {
		return false, fmt.Errorf("app: rehydrate: %w", err)
	}
	if ok {
		a.logger.InfoContext(ctx, "state rehydrated", slog.String("cursor", e.Cursor()))
	} else {
		a.logger.InfoContext(ctx, "no snapshot found, starting empty")
	}
	return ok, nil
}

func (a *App) newExecutor(e *engine.Engine, deps *Dependencies, dedup domain.DedupStore) *engine.Executor {
	paper := executor.NewPaperBroker(executor.PaperConfig{
		FeeBps:      a.cfg.Executor.FeeBps,
		SlippageBps: a.cfg.Executor.SlippageBps,
	}, deps.PriceCache, a.logger)
	broker := executor.WithBreaker(paper, time.Minute, a.logger)
	a.logger.Info("exit execution enabled",
		slog.String("broker", a.cfg.Executor.Broker),
		slog.Duration("cooldown", a.cfg.Executor.Cooldown.Duration),
	)
	return engine.NewExecutor(e, broker, dedup, a.cfg.Executor.Cooldown.Duration, a.logger)
}

func (a *App) alertConfig() alert.Config {
	c := a.cfg.Alert
	return alert.Config{
		Cooldown:       c.Cooldown.Duration,
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		MaxAttempts:    c.MaxAttempts,
		BackoffMin:     c.BackoffMin.Duration,
		BackoffMax:     c.BackoffMax.Duration,
		BreakerTimeout: c.BreakerTimeout.Duration,
		QueueSize:      c.QueueSize,
		DrainTimeout:   c.DrainTimeout.Duration,
	}
}

func (a *App) streamConfig() feed.StreamConfig {
	s := a.cfg.Feed.Stream
	return feed.StreamConfig{
		Stream:     s.Name,
		BatchSize:  s.BatchSize,
		Block:      s.Block.Duration,
		BackoffMin: s.BackoffMin.Duration,
		BackoffMax: s.BackoffMax.Duration,
	}
}

// statusOf reports engine state in the websocket greeting.
func statusOf(e *engine.Engine) ws.StatusFunc {
	return func() map[string]any {
		paused, reason := e.Paused()
		out := map[string]any{
			"paused":   paused,
			"cursor":   e.Cursor(),
			"entities": len(e.Entities()),
		}
		if reason != nil {
			out["pause_reason"] = reason.Error()
		}
		return out
	}
}

// sweep evicts expired keys from an in-memory dedup store.
func sweep(ctx context.Context, d *alert.MemoryDedup, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Cleanup()
		}
	}
}
