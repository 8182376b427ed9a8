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
// built-in defaults, applies SPOTBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file so a deployment can
// run from the environment alone. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known SPOTBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "SPOTBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.ApiKey, "SPOTBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiKey, "MEXC_API_KEY") // compatibility alias
	setStr(&cfg.Exchange.ApiSecret, "SPOTBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.ApiSecret, "MEXC_API_SECRET") // compatibility alias
	setInt(&cfg.Exchange.RecvWindow, "SPOTBOT_EXCHANGE_RECV_WINDOW")
	setStr(&cfg.Exchange.QuoteAsset, "SPOTBOT_EXCHANGE_QUOTE_ASSET")
	setInt(&cfg.Exchange.RetryAttempts, "SPOTBOT_EXCHANGE_RETRY_ATTEMPTS")
	setDuration(&cfg.Exchange.RetryDelay, "SPOTBOT_EXCHANGE_RETRY_DELAY")
	setDuration(&cfg.Exchange.Timeout, "SPOTBOT_EXCHANGE_TIMEOUT")

	// ── Trading ──
	setFloat64(&cfg.Trading.RiskRatio, "SPOTBOT_TRADING_RISK_RATIO")
	setFloat64(&cfg.Trading.MinNotional, "SPOTBOT_TRADING_MIN_NOTIONAL")
	setFloat64(&cfg.Trading.MaxNotional, "SPOTBOT_TRADING_MAX_NOTIONAL")
	setFloat64(&cfg.Trading.DailyLossLimitPct, "SPOTBOT_TRADING_DAILY_LOSS_LIMIT_PCT")
	setBool(&cfg.Trading.RestoreOrphans, "SPOTBOT_TRADING_RESTORE_ORPHANS")
	setDuration(&cfg.Trading.CycleInterval, "SPOTBOT_TRADING_CYCLE_INTERVAL")
	setDuration(&cfg.Trading.ExitInterval, "SPOTBOT_TRADING_EXIT_INTERVAL")
	setDuration(&cfg.Trading.DiversityInterval, "SPOTBOT_TRADING_DIVERSITY_INTERVAL")
	setDuration(&cfg.Trading.BackoffInitial, "SPOTBOT_TRADING_BACKOFF_INITIAL")
	setDuration(&cfg.Trading.BackoffMax, "SPOTBOT_TRADING_BACKOFF_MAX")
	setInt(&cfg.Trading.VerifyAttempts, "SPOTBOT_TRADING_VERIFY_ATTEMPTS")
	setDuration(&cfg.Trading.VerifyDelay, "SPOTBOT_TRADING_VERIFY_DELAY")
	setDuration(&cfg.Trading.DedupWindow, "SPOTBOT_TRADING_DEDUP_WINDOW")
	setBool(&cfg.Trading.PartialExits, "SPOTBOT_TRADING_PARTIAL_EXITS")
	setInt(&cfg.Trading.DailySummaryHour, "SPOTBOT_TRADING_DAILY_SUMMARY_HOUR")

	// ── Exit ──
	setFloatSlice(&cfg.Exit.Targets, "SPOTBOT_EXIT_TARGETS")
	setFloatSlice(&cfg.Exit.Shares, "SPOTBOT_EXIT_SHARES")
	setFloat64(&cfg.Exit.StopLossPct, "SPOTBOT_EXIT_STOP_LOSS_PCT")
	setFloat64(&cfg.Exit.TrailingPct, "SPOTBOT_EXIT_TRAILING_PCT")
	setDuration(&cfg.Exit.MaxHold, "SPOTBOT_EXIT_MAX_HOLD")
	setStr(&cfg.Exit.KlineInterval, "SPOTBOT_EXIT_KLINE_INTERVAL")
	setInt(&cfg.Exit.KlineLimit, "SPOTBOT_EXIT_KLINE_LIMIT")

	// ── Diversity ──
	setInt(&cfg.Diversity.MaxOpen, "SPOTBOT_DIVERSITY_MAX_OPEN")
	setDuration(&cfg.Diversity.Cooldown, "SPOTBOT_DIVERSITY_COOLDOWN")
	setStringSlice(&cfg.Diversity.DenyList, "SPOTBOT_DIVERSITY_DENY_LIST")
	setStringSlice(&cfg.Diversity.PriorityPool, "SPOTBOT_DIVERSITY_PRIORITY_POOL")
	setFloat64(&cfg.Diversity.MinQuoteVolume, "SPOTBOT_DIVERSITY_MIN_QUOTE_VOLUME")
	setFloat64(&cfg.Diversity.MinPositionValue, "SPOTBOT_DIVERSITY_MIN_POSITION_VALUE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Path, "SPOTBOT_LEDGER_PATH")
	setInt(&cfg.Ledger.MaxBackups, "SPOTBOT_LEDGER_MAX_BACKUPS")
	setStr(&cfg.Ledger.MirrorPrefix, "SPOTBOT_LEDGER_MIRROR_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SPOTBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SPOTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SPOTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPOTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPOTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPOTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPOTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPOTBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SPOTBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SPOTBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SPOTBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPOTBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPOTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPOTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPOTBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SPOTBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SPOTBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SPOTBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SPOTBOT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.LockTTL, "SPOTBOT_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SPOTBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SPOTBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPOTBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPOTBOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SPOTBOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SPOTBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPOTBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SPOTBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SPOTBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPOTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPOTBOT_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "SPOTBOT_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "SPOTBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPIBase, "SPOTBOT_NOTIFY_TELEGRAM_API_BASE")
	setStr(&cfg.Notify.TelegramToken, "SPOTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SPOTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPOTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SPOTBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPOTBOT_MODE")
	setStr(&cfg.LogLevel, "SPOTBOT_LOG_LEVEL")
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

func setFloatSlice(dst *[]float64, key string) {
	if v := os.Getenv(key); v != "" {
		var out []float64
		for _, p := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return
			}
			out = append(out, f)
		}
		*dst = out
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
