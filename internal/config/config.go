// Package config defines the top-level configuration for spotbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPOTBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Trading   TradingConfig   `toml:"trading"`
	Exit      ExitConfig      `toml:"exit"`
	Diversity DiversityConfig `toml:"diversity"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds MEXC spot API access.
type ExchangeConfig struct {
	BaseURL       string   `toml:"base_url"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	RecvWindow    int      `toml:"recv_window"`
	QuoteAsset    string   `toml:"quote_asset"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    duration `toml:"retry_delay"`
	Timeout       duration `toml:"timeout"`
}

// TradingConfig holds sizing, loop timing and fill verification.
type TradingConfig struct {
	RiskRatio         float64  `toml:"risk_ratio"`
	MinNotional       float64  `toml:"min_notional"`
	MaxNotional       float64  `toml:"max_notional"`
	DailyLossLimitPct float64  `toml:"daily_loss_limit_pct"`
	RestoreOrphans    bool     `toml:"restore_orphans"`
	CycleInterval     duration `toml:"cycle_interval"`
	ExitInterval      duration `toml:"exit_interval"`
	DiversityInterval duration `toml:"diversity_interval"`
	BackoffInitial    duration `toml:"backoff_initial"`
	BackoffMax        duration `toml:"backoff_max"`
	VerifyAttempts    int      `toml:"verify_attempts"`
	VerifyDelay       duration `toml:"verify_delay"`
	DedupWindow       duration `toml:"dedup_window"`
	PartialExits      bool     `toml:"partial_exits"`
	DailySummaryHour  int      `toml:"daily_summary_hour"`
}

// ExitConfig is the exit plan stamped onto new positions. Percentages are
// expressed in percent, so 0.5 means half a percent.
type ExitConfig struct {
	Targets       []float64 `toml:"targets"`
	Shares        []float64 `toml:"shares"`
	StopLossPct   float64   `toml:"stop_loss_pct"`
	TrailingPct   float64   `toml:"trailing_pct"`
	MaxHold       duration  `toml:"max_hold"`
	KlineInterval string    `toml:"kline_interval"`
	KlineLimit    int       `toml:"kline_limit"`
}

// DiversityConfig holds the diversification rules.
type DiversityConfig struct {
	MaxOpen          int      `toml:"max_open"`
	Cooldown         duration `toml:"cooldown"`
	DenyList         []string `toml:"deny_list"`
	PriorityPool     []string `toml:"priority_pool"`
	MinQuoteVolume   float64  `toml:"min_quote_volume"`
	MinPositionValue float64  `toml:"min_position_value"`
}

// LedgerConfig locates the ledger file and its backups.
type LedgerConfig struct {
	Path         string `toml:"path"`
	MaxBackups   int    `toml:"max_backups"`
	MirrorPrefix string `toml:"mirror_prefix"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit log
// and position journal.
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
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPIBase   string   `toml:"telegram_api_base"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:       "https://api.mexc.com",
			RecvWindow:    5000,
			QuoteAsset:    "USDT",
			RetryAttempts: 3,
			RetryDelay:    duration{500 * time.Millisecond},
			Timeout:       duration{15 * time.Second},
		},
		Trading: TradingConfig{
			RiskRatio:         1.0,
			MinNotional:       1.0,
			MaxNotional:       100.0,
			DailyLossLimitPct: 3.0,
			RestoreOrphans:    false,
			CycleInterval:     duration{5 * time.Minute},
			ExitInterval:      duration{15 * time.Second},
			DiversityInterval: duration{10 * time.Minute},
			BackoffInitial:    duration{10 * time.Second},
			BackoffMax:        duration{5 * time.Minute},
			VerifyAttempts:    5,
			VerifyDelay:       duration{2 * time.Second},
			DedupWindow:       duration{30 * time.Second},
			PartialExits:      true,
			DailySummaryHour:  -1,
		},
		Exit: ExitConfig{
			Targets:       []float64{0.5, 1.0, 2.0},
			Shares:        []float64{0.4, 0.3, 0.3},
			StopLossPct:   -1.0,
			TrailingPct:   0,
			MaxHold:       duration{4 * time.Hour},
			KlineInterval: "15m",
			KlineLimit:    50,
		},
		Diversity: DiversityConfig{
			MaxOpen:  10,
			Cooldown: duration{2 * time.Hour},
			DenyList: []string{"SHELLUSDT", "GRIFFAINUSDT", "ITUSDT", "POPCATUSDT"},
			PriorityPool: []string{
				"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
				"DOGEUSDT", "AVAXUSDT", "SHIBUSDT", "ADAUSDT", "DOTUSDT",
				"NEARUSDT", "LINKUSDT", "ATOMUSDT", "LTCUSDT", "APTUSDT",
				"FILUSDT", "UNIUSDT", "TRXUSDT", "STXUSDT", "INJUSDT",
			},
			MinQuoteVolume:   1_000_000,
			MinPositionValue: 5.0,
		},
		Ledger: LedgerConfig{
			Path:         "active_trades.json",
			MaxBackups:   20,
			MirrorPrefix: "ledger",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "spotbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "spotbot:",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "spotbot-data",
			Prefix:         "spotbot/",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "phantom_closed", "cycle_failed", "daily_summary"},
		},
		Mode:     ModeTrade,
		LogLevel: "info",
	}
}

// Operating modes. In monitor mode the server runs but the trading loops
// wait for a start request.
const (
	ModeTrade   = "trade"
	ModeMonitor = "monitor"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeTrade:   true,
	ModeMonitor: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validKlineIntervals are the intervals the exchange accepts for klines.
var validKlineIntervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true, "60m": true,
	"4h": true, "1d": true, "1W": true, "1M": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange: both credentials together, or neither for read-only use.
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if (c.Exchange.ApiKey == "") != (c.Exchange.ApiSecret == "") {
		errs = append(errs, "exchange: api_key and api_secret must be set together")
	}
	if strings.ToLower(c.Mode) == ModeTrade && c.Exchange.ApiKey == "" {
		errs = append(errs, "exchange: api_key and api_secret are required for mode trade")
	}
	if c.Exchange.QuoteAsset == "" {
		errs = append(errs, "exchange: quote_asset must not be empty")
	}
	if c.Exchange.RetryAttempts < 1 {
		errs = append(errs, "exchange: retry_attempts must be >= 1")
	}

	// Trading
	if c.Trading.RiskRatio <= 0 || c.Trading.RiskRatio > 1 {
		errs = append(errs, fmt.Sprintf("trading: risk_ratio must be in (0, 1], got %g", c.Trading.RiskRatio))
	}
	if c.Trading.MinNotional <= 0 {
		errs = append(errs, "trading: min_notional must be > 0")
	}
	if c.Trading.MaxNotional < c.Trading.MinNotional {
		errs = append(errs, "trading: max_notional must not be below min_notional")
	}
	if c.Trading.DailyLossLimitPct < 0 {
		errs = append(errs, "trading: daily_loss_limit_pct must be >= 0")
	}
	if c.Trading.CycleInterval.Duration <= 0 {
		errs = append(errs, "trading: cycle_interval must be > 0")
	}
	if c.Trading.ExitInterval.Duration < 0 || c.Trading.DiversityInterval.Duration < 0 {
		errs = append(errs, "trading: exit_interval and diversity_interval must be >= 0")
	}
	if c.Trading.BackoffMax.Duration < c.Trading.BackoffInitial.Duration {
		errs = append(errs, "trading: backoff_max must not be below backoff_initial")
	}
	if c.Trading.VerifyAttempts < 1 {
		errs = append(errs, "trading: verify_attempts must be >= 1")
	}
	if c.Trading.DailySummaryHour > 23 {
		errs = append(errs, "trading: daily_summary_hour must be -1 (off) or 0-23")
	}

	// Exit
	errs = append(errs, c.Exit.validate()...)

	// Diversity
	if c.Diversity.MaxOpen < 1 {
		errs = append(errs, "diversity: max_open must be >= 1")
	}
	if c.Diversity.Cooldown.Duration < 0 {
		errs = append(errs, "diversity: cooldown must be >= 0")
	}
	if c.Diversity.MinPositionValue < 0 {
		errs = append(errs, "diversity: min_position_value must be >= 0")
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.Path) == "" {
		errs = append(errs, "ledger: path must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
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
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (e ExitConfig) validate() []string {
	var errs []string
	if len(e.Targets) == 0 {
		errs = append(errs, "exit: at least one target is required")
	}
	if len(e.Shares) != len(e.Targets) {
		errs = append(errs, fmt.Sprintf("exit: %d shares for %d targets", len(e.Shares), len(e.Targets)))
	}
	prev := 0.0
	for i, t := range e.Targets {
		if t <= prev {
			errs = append(errs, fmt.Sprintf("exit: targets must be positive and increasing (targets[%d]=%g)", i, t))
			break
		}
		prev = t
	}
	var sum float64
	for _, s := range e.Shares {
		if s < 0 {
			errs = append(errs, "exit: shares must be >= 0")
			break
		}
		sum += s
	}
	if len(e.Shares) > 0 && (sum < 0.999 || sum > 1.001) {
		errs = append(errs, fmt.Sprintf("exit: shares must sum to 1, got %g", sum))
	}
	if e.StopLossPct >= 0 {
		errs = append(errs, "exit: stop_loss_pct must be negative")
	}
	if e.TrailingPct < 0 {
		errs = append(errs, "exit: trailing_pct must be >= 0")
	}
	if e.MaxHold.Duration <= 0 {
		errs = append(errs, "exit: max_hold must be > 0")
	}
	if !validKlineIntervals[e.KlineInterval] {
		errs = append(errs, fmt.Sprintf("exit: unknown kline_interval %q", e.KlineInterval))
	}
	return errs
}
