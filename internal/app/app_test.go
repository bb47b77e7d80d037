package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionrisk/internal/config"
	"github.com/alanyoungcy/positionrisk/internal/domain"
)

// standalone returns a config that needs no external services.
func standalone(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Redis.Enabled = false
	cfg.Persistence.Backend = "none"
	cfg.Persistence.Lock = false
	cfg.Persistence.AuditDecisions = false
	cfg.Feed.Source = "none"
	cfg.Server.Port = 0
	return &cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWire_Standalone(t *testing.T) {
	cfg := standalone("server")
	cfg.Server.Port = 8000
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Metrics)
	assert.Empty(t, deps.Checks)
	assert.Nil(t, deps.Snapshots)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Notifier)
}

func TestWire_Notifier(t *testing.T) {
	cfg := standalone("headless")
	cfg.Notify.DiscordWebhookURL = "https://discord.example.com/hook"

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, deps.Notifier)
}

func TestRun_ModesStopOnCancel(t *testing.T) {
	for _, mode := range []string{"full", "headless", "server"} {
		t.Run(mode, func(t *testing.T) {
			cfg := standalone(mode)
			cfg.Executor.Enabled = true
			a := New(cfg, quietLogger())
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			assert.NoError(t, a.Run(ctx))
		})
	}
}

func TestRun_UnknownMode(t *testing.T) {
	a := New(standalone("trade"), quietLogger())
	defer a.Close()
	assert.ErrorContains(t, a.Run(context.Background()), "unsupported mode")
}

func TestReplay_NeedsStream(t *testing.T) {
	a := New(standalone("full"), quietLogger())
	defer a.Close()
	_, err := a.Replay(context.Background(), "")
	assert.ErrorContains(t, err, "redis.enabled")
}

func TestNewEngine_UsesConfiguredRules(t *testing.T) {
	cfg := standalone("server")
	cfg.Engine.Workers = 2
	a := New(cfg, quietLogger())

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	e := a.newEngine(deps, true)
	_, err = e.Register(context.Background(), domain.MonitoredEntity{
		ID:       "BAD",
		Kind:     domain.EntityKindToken,
		Baseline: domain.Snapshot{Liquidity: 100, SellSimulationFailed: true},
	})
	require.NoError(t, err)

	status := statusOf(e)()
	assert.Equal(t, false, status["paused"])
	assert.Equal(t, 1, status["entities"])

	e.Pause(domain.ErrFeedDisconnected)
	assert.Equal(t, "feed disconnected", statusOf(e)()["pause_reason"])
}

func TestConfigAdapters(t *testing.T) {
	cfg := standalone("full")
	a := New(cfg, quietLogger())

	sc := a.streamConfig()
	assert.Equal(t, "feed", sc.Stream)
	assert.Equal(t, 256, sc.BatchSize)
	assert.Equal(t, 5*time.Second, sc.Block)

	ac := a.alertConfig()
	assert.Equal(t, 5*time.Minute, ac.Cooldown)
	assert.Equal(t, 3, ac.MaxAttempts)
	assert.Equal(t, 1024, ac.QueueSize)
}
