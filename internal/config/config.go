// Package config defines the top-level configuration for the risk daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/decision"
	"github.com/alanyoungcy/positionrisk/internal/risk"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RISKD_* environment variables.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Risk        risk.Weights      `toml:"risk"`
	Decision    decision.Config   `toml:"decision"`
	Portfolio   PortfolioConfig   `toml:"portfolio"`
	Alert       AlertConfig       `toml:"alert"`
	Feed        FeedConfig        `toml:"feed"`
	Persistence PersistenceConfig `toml:"persistence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Executor    ExecutorConfig    `toml:"executor"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// EngineConfig sizes the event pipeline.
type EngineConfig struct {
	Workers          int      `toml:"workers"`
	QueueSize        int      `toml:"queue_size"`
	DecisionsChannel string   `toml:"decisions_channel"`
	RecentDecisions  int      `toml:"recent_decisions"`
	PriceTTL         duration `toml:"price_ttl"`
}

// PortfolioConfig seeds the drawdown tracker.
type PortfolioConfig struct {
	InitialPeak float64 `toml:"initial_peak"`
	HistoryDays int     `toml:"history_days"`
}

// AlertConfig tunes alert dispatch.
type AlertConfig struct {
	Enabled        bool     `toml:"enabled"`
	Dedup          string   `toml:"dedup"` // memory | redis
	Cooldown       duration `toml:"cooldown"`
	RatePerSecond  float64  `toml:"rate_per_second"`
	Burst          int      `toml:"burst"`
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffMin     duration `toml:"backoff_min"`
	BackoffMax     duration `toml:"backoff_max"`
	BreakerTimeout duration `toml:"breaker_timeout"`
	QueueSize      int      `toml:"queue_size"`
	DrainTimeout   duration `toml:"drain_timeout"`
}

// FeedConfig selects the market event source.
type FeedConfig struct {
	Source string           `toml:"source"` // stream | ws | none
	Stream StreamFeedConfig `toml:"stream"`
	WS     WSFeedConfig     `toml:"ws"`
}

// StreamFeedConfig configures the Redis stream consumer.
type StreamFeedConfig struct {
	Name       string   `toml:"name"`
	BatchSize  int      `toml:"batch_size"`
	Block      duration `toml:"block"`
	BackoffMin duration `toml:"backoff_min"`
	BackoffMax duration `toml:"backoff_max"`
}

// WSFeedConfig configures the websocket consumer.
type WSFeedConfig struct {
	URL        string            `toml:"url"`
	Headers    map[string]string `toml:"headers"`
	BackoffMin duration          `toml:"backoff_min"`
	BackoffMax duration          `toml:"backoff_max"`
}

// PersistenceConfig selects where engine snapshots go.
type PersistenceConfig struct {
	Backend   string   `toml:"backend"` // postgres | s3 | none
	Interval  duration `toml:"interval"`
	Retain    int      `toml:"retain"`
	S3Prefix  string   `toml:"s3_prefix"`
	Rehydrate bool     `toml:"rehydrate"`
	// Lock takes a Redis lock around each save so only one replica writes.
	Lock bool `toml:"lock"`
	// AuditDecisions writes every decision event to PostgreSQL.
	AuditDecisions bool `toml:"audit_decisions"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of requests allowed per client per
	// RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ExecutorConfig controls automatic execution of exit decisions.
type ExecutorConfig struct {
	Enabled     bool     `toml:"enabled"`
	Broker      string   `toml:"broker"` // paper
	Cooldown    duration `toml:"cooldown"`
	FeeBps      float64  `toml:"fee_bps"`
	SlippageBps float64  `toml:"slippage_bps"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Workers:          8,
			QueueSize:        256,
			DecisionsChannel: "decisions",
			RecentDecisions:  500,
			PriceTTL:         duration{10 * time.Minute},
		},
		Risk:     risk.DefaultWeights(),
		Decision: decision.DefaultConfig(),
		Portfolio: PortfolioConfig{
			HistoryDays: 90,
		},
		Alert: AlertConfig{
			Enabled:        true,
			Dedup:          "memory",
			Cooldown:       duration{5 * time.Minute},
			RatePerSecond:  1,
			Burst:          10,
			MaxAttempts:    3,
			BackoffMin:     duration{500 * time.Millisecond},
			BackoffMax:     duration{10 * time.Second},
			BreakerTimeout: duration{60 * time.Second},
			QueueSize:      1024,
			DrainTimeout:   duration{5 * time.Second},
		},
		Feed: FeedConfig{
			Source: "stream",
			Stream: StreamFeedConfig{
				Name:       "feed",
				BatchSize:  256,
				Block:      duration{5 * time.Second},
				BackoffMin: duration{500 * time.Millisecond},
				BackoffMax: duration{30 * time.Second},
			},
			WS: WSFeedConfig{
				BackoffMin: duration{2 * time.Second},
				BackoffMax: duration{60 * time.Second},
			},
		},
		Persistence: PersistenceConfig{
			Backend:        "postgres",
			Interval:       duration{30 * time.Second},
			Retain:         20,
			S3Prefix:       "snapshots",
			Rehydrate:      true,
			Lock:           true,
			AuditDecisions: true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "riskd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "riskd",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "riskd-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"full_exit", "partial_exit", "reject_entry"},
		},
		Executor: ExecutorConfig{
			Broker:   "paper",
			Cooldown: duration{30 * time.Second},
			FeeBps:   10,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":     true,
	"headless": true,
	"server":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, headless, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.Workers < 1 {
		errs = append(errs, "engine: workers must be >= 1")
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, "engine: queue_size must be >= 1")
	}
	if c.Engine.RecentDecisions < 0 {
		errs = append(errs, "engine: recent_decisions must be >= 0")
	}

	// Scoring and rules
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Decision.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Portfolio.InitialPeak < 0 {
		errs = append(errs, "portfolio: initial_peak must be >= 0")
	}
	if c.Portfolio.HistoryDays < 1 {
		errs = append(errs, "portfolio: history_days must be >= 1")
	}

	// Alert
	if c.Alert.Enabled {
		switch c.Alert.Dedup {
		case "memory":
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, "alert: dedup \"redis\" requires redis.enabled")
			}
		default:
			errs = append(errs, fmt.Sprintf("alert: unknown dedup %q (valid: memory, redis)", c.Alert.Dedup))
		}
		if c.Alert.MaxAttempts < 1 {
			errs = append(errs, "alert: max_attempts must be >= 1")
		}
		if c.Alert.RatePerSecond < 0 {
			errs = append(errs, "alert: rate_per_second must be >= 0")
		}
		if c.Alert.RatePerSecond > 0 && c.Alert.Burst < 1 {
			errs = append(errs, "alert: burst must be >= 1 when rate_per_second is set")
		}
	}

	// Feed
	switch c.Feed.Source {
	case "none":
	case "stream":
		if !c.Redis.Enabled {
			errs = append(errs, "feed: source \"stream\" requires redis.enabled")
		}
		if c.Feed.Stream.Name == "" {
			errs = append(errs, "feed: stream.name must not be empty")
		}
	case "ws":
		if c.Feed.WS.URL == "" {
			errs = append(errs, "feed: ws.url must not be empty for source \"ws\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: stream, ws, none)", c.Feed.Source))
	}

	// Persistence
	switch c.Persistence.Backend {
	case "none", "postgres", "s3":
	default:
		errs = append(errs, fmt.Sprintf("persistence: unknown backend %q (valid: postgres, s3, none)", c.Persistence.Backend))
	}
	if c.Persistence.Backend != "none" && c.Persistence.Interval.Duration <= 0 {
		errs = append(errs, "persistence: interval must be > 0")
	}
	if c.Persistence.Retain < 0 {
		errs = append(errs, "persistence: retain must be >= 0")
	}
	if c.Persistence.Lock && c.Persistence.Backend != "none" && !c.Redis.Enabled {
		errs = append(errs, "persistence: lock requires redis.enabled")
	}

	// Postgres
	if c.NeedsPostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.Persistence.Backend == "s3" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}
	if strings.ToLower(c.Mode) == "server" && !c.Server.Enabled {
		errs = append(errs, "server: mode \"server\" requires server.enabled")
	}

	// Notify: telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Executor
	if c.Executor.Enabled {
		if c.Executor.Broker != "paper" {
			errs = append(errs, fmt.Sprintf("executor: unknown broker %q (valid: paper)", c.Executor.Broker))
		}
		if c.Executor.FeeBps < 0 || c.Executor.SlippageBps < 0 {
			errs = append(errs, "executor: fee_bps and slippage_bps must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NeedsPostgres reports whether any enabled component stores data in
// PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Persistence.Backend == "postgres" || c.Persistence.AuditDecisions
}
