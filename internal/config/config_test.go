package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "key"
	cfg.Exchange.ApiSecret = "secret"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	// Without credentials only monitor mode is valid.
	cfg = Defaults()
	assert.Error(t, cfg.Validate())
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "scalp"
	cfg.Trading.RiskRatio = 2
	cfg.Exit.Shares = []float64{0.5, 0.5}
	cfg.Exit.StopLossPct = 1
	cfg.Diversity.MaxOpen = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "scalp"`)
	assert.Contains(t, msg, "risk_ratio")
	assert.Contains(t, msg, "2 shares for 3 targets")
	assert.Contains(t, msg, "stop_loss_pct must be negative")
	assert.Contains(t, msg, "max_open")
}

func TestExitValidate(t *testing.T) {
	e := Defaults().Exit
	assert.Empty(t, e.validate())

	e.Targets = []float64{1, 0.5, 2}
	assert.NotEmpty(t, e.validate())

	e = Defaults().Exit
	e.Shares = []float64{0.5, 0.3, 0.3}
	assert.NotEmpty(t, e.validate())

	e = Defaults().Exit
	e.KlineInterval = "7m"
	assert.NotEmpty(t, e.validate())
}

func TestValidateOptionalBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""
	cfg.S3.Bucket = ""
	require.NoError(t, cfg.Validate(), "disabled backends are not checked")

	cfg.Redis.Enabled = true
	cfg.S3.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spotbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"

[trading]
cycle_interval = "1m"
max_notional = 50.0

[exit]
targets = [1.0, 3.0]
shares = [0.5, 0.5]
max_hold = "90m"

[diversity]
deny_list = ["FOOUSDT"]
`), 0o600))

	t.Setenv("SPOTBOT_EXCHANGE_API_KEY", "k")
	t.Setenv("SPOTBOT_EXCHANGE_API_SECRET", "s")
	t.Setenv("SPOTBOT_DIVERSITY_MAX_OPEN", "4")
	t.Setenv("SPOTBOT_EXIT_TRAILING_PCT", "0.8")
	t.Setenv("SPOTBOT_TRADING_EXIT_INTERVAL", "20s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, time.Minute, cfg.Trading.CycleInterval.Duration)
	assert.Equal(t, 20*time.Second, cfg.Trading.ExitInterval.Duration)
	assert.Equal(t, 50.0, cfg.Trading.MaxNotional)
	assert.Equal(t, 1.0, cfg.Trading.MinNotional, "untouched defaults survive")
	assert.Equal(t, []float64{1, 3}, cfg.Exit.Targets)
	assert.Equal(t, 90*time.Minute, cfg.Exit.MaxHold.Duration)
	assert.Equal(t, 0.8, cfg.Exit.TrailingPct)
	assert.Equal(t, []string{"FOOUSDT"}, cfg.Diversity.DenyList)
	assert.Equal(t, 4, cfg.Diversity.MaxOpen)
	assert.Equal(t, "k", cfg.Exchange.ApiKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "USDT", cfg.Exchange.QuoteAsset)
}

func TestEnvSliceHelpers(t *testing.T) {
	var s []string
	t.Setenv("X_LIST", " A , ,B ")
	setStringSlice(&s, "X_LIST")
	assert.Equal(t, []string{"A", "B"}, s)

	f := []float64{1}
	t.Setenv("X_FLOATS", "0.5, 2")
	setFloatSlice(&f, "X_FLOATS")
	assert.Equal(t, []float64{0.5, 2}, f)

	t.Setenv("X_FLOATS", "0.5,abc")
	setFloatSlice(&f, "X_FLOATS")
	assert.Equal(t, []float64{0.5, 2}, f, "malformed value leaves the target alone")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"
	cfg.Server.AuthToken = "bearer"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Exchange.ApiKey)
	assert.Equal(t, "***", out.Exchange.ApiSecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Equal(t, "***", out.Server.AuthToken)
	assert.Equal(t, "", out.S3.SecretKey, "empty secrets stay empty")

	assert.Equal(t, "secret", cfg.Exchange.ApiSecret, "original untouched")
	out.Diversity.DenyList[0] = "CHANGED"
	assert.NotEqual(t, "CHANGED", cfg.Diversity.DenyList[0])
}
