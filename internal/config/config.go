// Package config loads and validates the engine configuration from a TOML
// file, a .env file and TRADEBOT_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// Config is the top-level configuration for the trading engine. It is
// decoded once at startup, validated, and then only read.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Broker   BrokerConfig   `toml:"broker"`
	Feed     FeedConfig     `toml:"feed"`
	Backtest BacktestConfig `toml:"backtest"`
	Strategy StrategyConfig `toml:"strategy"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds risk limits and executor tuning shared by the paper and
// live modes.
type EngineConfig struct {
	MaxPositionNotional float64  `toml:"max_position_notional"`
	RiskPerTrade        float64  `toml:"risk_per_trade"`
	DefaultStopFraction float64  `toml:"default_stop_fraction"`
	InitialCapital      float64  `toml:"initial_capital"`
	Instruments         []string `toml:"instruments"`
	StuckAfter          duration `toml:"stuck_after"`
	ReconcileInterval   duration `toml:"reconcile_interval"`
	SnapshotInterval    duration `toml:"snapshot_interval"`
	Workers             int      `toml:"workers"`
	IntentBuffer        int      `toml:"intent_buffer"`
	ShutdownTimeout     duration `toml:"shutdown_timeout"`
}

// BrokerConfig holds the live broker endpoint and credentials, plus the
// slippage used by the paper broker.
type BrokerConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	APIKey  string `toml:"api_key"`
	// APISecret may be left empty when APISecretFile points at a file
	// produced by the encrypt-secret command.
	APISecret       string   `toml:"api_secret"`
	APISecretFile   string   `toml:"api_secret_file"`
	SecretPassword  string   `toml:"secret_password"`
	Timeout         duration `toml:"timeout"`
	SubmitAttempts  int      `toml:"submit_attempts"`
	BackoffBase     duration `toml:"backoff_base"`
	BackoffMax      duration `toml:"backoff_max"`
	SlippageBps     float64  `toml:"slippage_bps"`
	RateLimitPerSec int      `toml:"rate_limit_per_sec"`
	MaxReconnects   int      `toml:"max_reconnects"`
}

// FeedConfig holds the market data WebSocket parameters.
type FeedConfig struct {
	URL             string   `toml:"url"`
	SessionToken    string   `toml:"session_token"`
	MaxReconnects   int      `toml:"max_reconnects"`
	BackoffBase     duration `toml:"backoff_base"`
	BackoffMax      duration `toml:"backoff_max"`
	MaxDecodeErrors int      `toml:"max_decode_errors"`
	BufferSize      int      `toml:"buffer_size"`
	// ArchiveTicks uploads received frames to S3 for later replay.
	ArchiveTicks    bool     `toml:"archive_ticks"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// BacktestConfig holds replay parameters.
type BacktestConfig struct {
	// Start and End are RFC 3339 timestamps or YYYY-MM-DD dates. Empty
	// leaves the window open on that side.
	Start          string  `toml:"start"`
	End            string  `toml:"end"`
	InitialCapital float64 `toml:"initial_capital"`
	Seed           int64   `toml:"seed"`
	SlippageBps    float64 `toml:"slippage_bps"`
	ImpactSize     float64 `toml:"impact_size"`
	Jitter         float64 `toml:"jitter"`
	// Source is "s3" (archived ticks under Prefix) or "file" (a local
	// length-delimited frame file at File).
	Source     string `toml:"source"`
	Prefix     string `toml:"prefix"`
	File       string `toml:"file"`
	ReportPath string `toml:"report_path"`
}

// StrategyConfig selects the active strategies. Params holds a table per
// strategy name, e.g. [strategy.params.mean_reversion].
type StrategyConfig struct {
	Active      []string                  `toml:"active"`
	Size        float64                   `toml:"size"`
	Instruments []string                  `toml:"instruments"`
	Params      map[string]map[string]any `toml:"params"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	// RetentionDays is how long orders and fills stay in Postgres before
	// the archiver moves them to S3. Zero disables archiving.
	RetentionDays int `toml:"retention_days"`
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
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
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

// ServerConfig holds the ops HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// RedisStream appends every event to the Redis event stream when Redis
	// is enabled.
	RedisStream bool `toml:"redis_stream"`
	Buffer      int  `toml:"buffer"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxPositionNotional: 10_000,
			RiskPerTrade:        0.01,
			DefaultStopFraction: 0.02,
			InitialCapital:      100_000,
			StuckAfter:          duration{30 * time.Second},
			ReconcileInterval:   duration{15 * time.Second},
			SnapshotInterval:    duration{time.Minute},
			Workers:             4,
			IntentBuffer:        256,
			ShutdownTimeout:     duration{10 * time.Second},
		},
		Broker: BrokerConfig{
			Timeout:         duration{10 * time.Second},
			SubmitAttempts:  5,
			BackoffBase:     duration{200 * time.Millisecond},
			BackoffMax:      duration{5 * time.Second},
			SlippageBps:     5,
			RateLimitPerSec: 10,
			MaxReconnects:   10,
		},
		Feed: FeedConfig{
			MaxReconnects:   10,
			BackoffBase:     duration{500 * time.Millisecond},
			BackoffMax:      duration{30 * time.Second},
			MaxDecodeErrors: 50,
			BufferSize:      1024,
			ArchiveInterval: duration{5 * time.Minute},
		},
		Backtest: BacktestConfig{
			InitialCapital: 100_000,
			Seed:           1,
			SlippageBps:    5,
			ImpactSize:     1_000,
			Source:         "s3",
			Prefix:         "ticks/",
		},
		Strategy: StrategyConfig{
			Active: []string{"mean_reversion"},
			Size:   10,
			Params: map[string]map[string]any{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			RetentionDays: 30,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradebot-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventOrderFilled),
				string(domain.EventBrokerRejection),
				string(domain.EventConnectionLost),
				string(domain.EventReconciliationMismatch),
				string(domain.EventSessionSummary),
			},
			RedisStream: true,
			Buffer:      256,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":     true,
	"paper":    true,
	"backtest": true,
	"server":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEvents = map[string]bool{
	string(domain.EventOrderFilled):            true,
	string(domain.EventOrderCancelled):         true,
	string(domain.EventRiskRejection):          true,
	string(domain.EventBrokerRejection):        true,
	string(domain.EventConnectionLost):         true,
	string(domain.EventReconciliationMismatch): true,
	string(domain.EventSessionSummary):         true,
}

// TradingMode maps Mode onto the risk gate's paper/live switch. Every mode
// other than live trades on paper.
func (c *Config) TradingMode() domain.TradingMode {
	if strings.EqualFold(c.Mode, "live") {
		return domain.ModeLive
	}
	return domain.ModePaper
}

// RiskLimits returns the engine limits in the form the router consumes.
func (c *Config) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionNotional: c.Engine.MaxPositionNotional,
		RiskPerTrade:        c.Engine.RiskPerTrade,
		DefaultStopFraction: c.Engine.DefaultStopFraction,
		Mode:                c.TradingMode(),
	}
}

// BacktestWindow parses Backtest.Start and Backtest.End.
func (c *Config) BacktestWindow() (start, end time.Time, err error) {
	if start, err = parseTime(c.Backtest.Start); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
	}
	if end, err = parseTime(c.Backtest.End); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339 or YYYY-MM-DD)", s)
	}
	return t.UTC(), nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, backtest, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.MaxPositionNotional <= 0 {
		errs = append(errs, "engine: max_position_notional must be positive")
	}
	if c.Engine.RiskPerTrade <= 0 || c.Engine.RiskPerTrade > 1 {
		errs = append(errs, "engine: risk_per_trade must be in (0, 1]")
	}
	if c.Engine.DefaultStopFraction < 0 || c.Engine.DefaultStopFraction >= 1 {
		errs = append(errs, "engine: default_stop_fraction must be in [0, 1)")
	}
	if c.Engine.InitialCapital <= 0 {
		errs = append(errs, "engine: initial_capital must be positive")
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, "engine: workers must be positive")
	}

	trading := c.Mode == "live" || c.Mode == "paper"
	if trading {
		if c.Feed.URL == "" {
			errs = append(errs, "feed: url is required for mode "+c.Mode)
		}
		if c.Feed.MaxDecodeErrors <= 0 {
			errs = append(errs, "feed: max_decode_errors must be positive")
		}
		if c.Feed.ArchiveTicks && !c.S3.Enabled {
			errs = append(errs, "feed: archive_ticks requires s3.enabled")
		}
	}

	// Broker credentials are only needed against the real broker.
	if c.Mode == "live" {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url is required for mode live")
		}
		if c.Broker.APIKey == "" {
			errs = append(errs, "broker: api_key is required for mode live")
		}
		if c.Broker.APISecret == "" && c.Broker.APISecretFile == "" {
			errs = append(errs, "broker: either api_secret or api_secret_file must be set for mode live")
		}
		if c.Broker.APISecretFile != "" && c.Broker.SecretPassword == "" {
			errs = append(errs, "broker: secret_password is required when api_secret_file is set")
		}
	}
	if c.Broker.SubmitAttempts <= 0 {
		errs = append(errs, "broker: submit_attempts must be positive")
	}
	if c.Broker.SlippageBps < 0 {
		errs = append(errs, "broker: slippage_bps must not be negative")
	}

	// Strategy
	if c.Mode != "server" {
		if len(c.Strategy.Active) == 0 {
			errs = append(errs, "strategy: at least one active strategy is required")
		}
		if c.Strategy.Size <= 0 {
			errs = append(errs, "strategy: size must be positive")
		}
	}

	// Backtest
	if c.Mode == "backtest" {
		start, end, err := c.BacktestWindow()
		if err != nil {
			errs = append(errs, err.Error())
		} else if !start.IsZero() && !end.IsZero() && !end.After(start) {
			errs = append(errs, "backtest: end must be after start")
		}
		switch c.Backtest.Source {
		case "s3":
			if !c.S3.Enabled {
				errs = append(errs, "backtest: source s3 requires s3.enabled")
			}
		case "file":
			if c.Backtest.File == "" {
				errs = append(errs, "backtest: file is required for source file")
			}
		default:
			errs = append(errs, fmt.Sprintf("backtest: unknown source %q (valid: s3, file)", c.Backtest.Source))
		}
		if c.Backtest.InitialCapital <= 0 {
			errs = append(errs, "backtest: initial_capital must be positive")
		}
	}

	// Postgres
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host is required when dsn is empty")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database is required when dsn is empty")
		}
	}
	if c.Mode == "server" && !c.Postgres.Enabled {
		errs = append(errs, "postgres: must be enabled for mode server")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required")
		}
	}

	// Server
	if c.Server.Enabled || c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
		}
	}

	// Notify
	for _, ev := range c.Notify.Events {
		if !validEvents[ev] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", ev))
		}
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
