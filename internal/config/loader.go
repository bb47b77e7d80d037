package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RISKD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RISKD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt(&cfg.Engine.Workers, "RISKD_ENGINE_WORKERS")
	setInt(&cfg.Engine.QueueSize, "RISKD_ENGINE_QUEUE_SIZE")
	setStr(&cfg.Engine.DecisionsChannel, "RISKD_ENGINE_DECISIONS_CHANNEL")
	setInt(&cfg.Engine.RecentDecisions, "RISKD_ENGINE_RECENT_DECISIONS")
	setDuration(&cfg.Engine.PriceTTL, "RISKD_ENGINE_PRICE_TTL")

	// ── Portfolio ──
	setFloat64(&cfg.Portfolio.InitialPeak, "RISKD_PORTFOLIO_INITIAL_PEAK")
	setInt(&cfg.Portfolio.HistoryDays, "RISKD_PORTFOLIO_HISTORY_DAYS")

	// ── Alert ──
	setBool(&cfg.Alert.Enabled, "RISKD_ALERT_ENABLED")
	setStr(&cfg.Alert.Dedup, "RISKD_ALERT_DEDUP")
	setDuration(&cfg.Alert.Cooldown, "RISKD_ALERT_COOLDOWN")
	setFloat64(&cfg.Alert.RatePerSecond, "RISKD_ALERT_RATE_PER_SECOND")
	setInt(&cfg.Alert.Burst, "RISKD_ALERT_BURST")
	setInt(&cfg.Alert.MaxAttempts, "RISKD_ALERT_MAX_ATTEMPTS")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "RISKD_FEED_SOURCE")
	setStr(&cfg.Feed.Stream.Name, "RISKD_FEED_STREAM_NAME")
	setInt(&cfg.Feed.Stream.BatchSize, "RISKD_FEED_STREAM_BATCH_SIZE")
	setDuration(&cfg.Feed.Stream.Block, "RISKD_FEED_STREAM_BLOCK")
	setStr(&cfg.Feed.WS.URL, "RISKD_FEED_WS_URL")

	// ── Persistence ──
	setStr(&cfg.Persistence.Backend, "RISKD_PERSISTENCE_BACKEND")
	setDuration(&cfg.Persistence.Interval, "RISKD_PERSISTENCE_INTERVAL")
	setInt(&cfg.Persistence.Retain, "RISKD_PERSISTENCE_RETAIN")
	setStr(&cfg.Persistence.S3Prefix, "RISKD_PERSISTENCE_S3_PREFIX")
	setBool(&cfg.Persistence.Rehydrate, "RISKD_PERSISTENCE_REHYDRATE")
	setBool(&cfg.Persistence.Lock, "RISKD_PERSISTENCE_LOCK")
	setBool(&cfg.Persistence.AuditDecisions, "RISKD_PERSISTENCE_AUDIT_DECISIONS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "RISKD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RISKD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RISKD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RISKD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RISKD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RISKD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RISKD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RISKD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RISKD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RISKD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RISKD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RISKD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RISKD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RISKD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RISKD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RISKD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RISKD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RISKD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RISKD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RISKD_S3_REGION")
	setStr(&cfg.S3.Bucket, "RISKD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RISKD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RISKD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RISKD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RISKD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RISKD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "RISKD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "RISKD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "RISKD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "RISKD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RISKD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RISKD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RISKD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RISKD_NOTIFY_EVENTS")

	// ── Executor ──
	setBool(&cfg.Executor.Enabled, "RISKD_EXECUTOR_ENABLED")
	setStr(&cfg.Executor.Broker, "RISKD_EXECUTOR_BROKER")
	setDuration(&cfg.Executor.Cooldown, "RISKD_EXECUTOR_COOLDOWN")
	setFloat64(&cfg.Executor.FeeBps, "RISKD_EXECUTOR_FEE_BPS")
	setFloat64(&cfg.Executor.SlippageBps, "RISKD_EXECUTOR_SLIPPAGE_BPS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RISKD_MODE")
	setStr(&cfg.LogLevel, "RISKD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
