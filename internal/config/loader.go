package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setFloat64(&cfg.Engine.MaxPositionNotional, "TRADEBOT_ENGINE_MAX_POSITION_NOTIONAL")
	setFloat64(&cfg.Engine.RiskPerTrade, "TRADEBOT_ENGINE_RISK_PER_TRADE")
	setFloat64(&cfg.Engine.DefaultStopFraction, "TRADEBOT_ENGINE_DEFAULT_STOP_FRACTION")
	setFloat64(&cfg.Engine.InitialCapital, "TRADEBOT_ENGINE_INITIAL_CAPITAL")
	setStringSlice(&cfg.Engine.Instruments, "TRADEBOT_ENGINE_INSTRUMENTS")
	setDuration(&cfg.Engine.StuckAfter, "TRADEBOT_ENGINE_STUCK_AFTER")
	setDuration(&cfg.Engine.ReconcileInterval, "TRADEBOT_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.SnapshotInterval, "TRADEBOT_ENGINE_SNAPSHOT_INTERVAL")
	setInt(&cfg.Engine.Workers, "TRADEBOT_ENGINE_WORKERS")
	setDuration(&cfg.Engine.ShutdownTimeout, "TRADEBOT_ENGINE_SHUTDOWN_TIMEOUT")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "TRADEBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.WSURL, "TRADEBOT_BROKER_WS_URL")
	setStr(&cfg.Broker.APIKey, "TRADEBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "TRADEBOT_BROKER_API_SECRET")
	setStr(&cfg.Broker.APISecretFile, "TRADEBOT_BROKER_API_SECRET_FILE")
	setStr(&cfg.Broker.SecretPassword, "TRADEBOT_BROKER_SECRET_PASSWORD")
	setDuration(&cfg.Broker.Timeout, "TRADEBOT_BROKER_TIMEOUT")
	setInt(&cfg.Broker.SubmitAttempts, "TRADEBOT_BROKER_SUBMIT_ATTEMPTS")
	setFloat64(&cfg.Broker.SlippageBps, "TRADEBOT_BROKER_SLIPPAGE_BPS")
	setInt(&cfg.Broker.RateLimitPerSec, "TRADEBOT_BROKER_RATE_LIMIT_PER_SEC")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "TRADEBOT_FEED_URL")
	setStr(&cfg.Feed.SessionToken, "TRADEBOT_FEED_SESSION_TOKEN")
	setInt(&cfg.Feed.MaxReconnects, "TRADEBOT_FEED_MAX_RECONNECTS")
	setInt(&cfg.Feed.MaxDecodeErrors, "TRADEBOT_FEED_MAX_DECODE_ERRORS")
	setBool(&cfg.Feed.ArchiveTicks, "TRADEBOT_FEED_ARCHIVE_TICKS")

	// ── Backtest ──
	setStr(&cfg.Backtest.Start, "TRADEBOT_BACKTEST_START")
	setStr(&cfg.Backtest.End, "TRADEBOT_BACKTEST_END")
	setFloat64(&cfg.Backtest.InitialCapital, "TRADEBOT_BACKTEST_INITIAL_CAPITAL")
	setInt64(&cfg.Backtest.Seed, "TRADEBOT_BACKTEST_SEED")
	setFloat64(&cfg.Backtest.SlippageBps, "TRADEBOT_BACKTEST_SLIPPAGE_BPS")
	setStr(&cfg.Backtest.Source, "TRADEBOT_BACKTEST_SOURCE")
	setStr(&cfg.Backtest.Prefix, "TRADEBOT_BACKTEST_PREFIX")
	setStr(&cfg.Backtest.File, "TRADEBOT_BACKTEST_FILE")
	setStr(&cfg.Backtest.ReportPath, "TRADEBOT_BACKTEST_REPORT_PATH")

	// ── Strategy ──
	setStringSlice(&cfg.Strategy.Active, "TRADEBOT_STRATEGY_ACTIVE")
	setFloat64(&cfg.Strategy.Size, "TRADEBOT_STRATEGY_SIZE")
	setStringSlice(&cfg.Strategy.Instruments, "TRADEBOT_STRATEGY_INSTRUMENTS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRADEBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEBOT_POSTGRES_RUN_MIGRATIONS")
	setInt(&cfg.Postgres.RetentionDays, "TRADEBOT_POSTGRES_RETENTION_DAYS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEBOT_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "TRADEBOT_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEBOT_NOTIFY_EVENTS")
	setBool(&cfg.Notify.RedisStream, "TRADEBOT_NOTIFY_REDIS_STREAM")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEBOT_MODE")
	setStr(&cfg.LogLevel, "TRADEBOT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
