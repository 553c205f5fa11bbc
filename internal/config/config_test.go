package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Vault.Passphrase = "test-passphrase"

	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "market"
log_level = "debug"

[aggregator]
ticker_ttl = "7s"
watch_symbols = ["BTC/USDT"]
min_arbitrage_profit_pct = 1.25

[registry]
supported_exchanges = ["binance", "sim"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "market", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.Aggregator.TickerTTL.Duration)
	assert.Equal(t, []string{"BTC/USDT"}, cfg.Aggregator.WatchSymbols)
	assert.Equal(t, 1.25, cfg.Aggregator.MinArbitrageProfitPct)
	assert.Equal(t, []string{"binance", "sim"}, cfg.Registry.SupportedExchanges)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Aggregator.CandlesTTL.Duration)
	assert.Equal(t, "USDT", cfg.Portfolio.BaseCurrency)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CROSSFOLIO_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CROSSFOLIO_AGGREGATOR_TICKER_TTL", "9s")
	t.Setenv("CROSSFOLIO_AGGREGATOR_VOLUME_WEIGHTED", "true")
	t.Setenv("CROSSFOLIO_REGISTRY_SUPPORTED_EXCHANGES", "binance, bybit")
	t.Setenv("CROSSFOLIO_PORTFOLIO_RESYNC_BATCH_SIZE", "25")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 9*time.Second, cfg.Aggregator.TickerTTL.Duration)
	assert.True(t, cfg.Aggregator.VolumeWeighted)
	assert.Equal(t, []string{"binance", "bybit"}, cfg.Registry.SupportedExchanges)
	assert.Equal(t, 25, cfg.Portfolio.ResyncBatchSize)
}

func TestEnvOverridesIgnoreEmptyAndMalformed(t *testing.T) {
	t.Setenv("CROSSFOLIO_REDIS_ADDR", "")
	t.Setenv("CROSSFOLIO_PORTFOLIO_RESYNC_BATCH_SIZE", "not-a-number")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Portfolio.ResyncBatchSize)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Aggregator.TickerTTL.Duration = 0
	cfg.Registry.SupportedExchanges = []string{"coinbase"}
	cfg.Portfolio.ResyncBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "bogus"`)
	assert.Contains(t, msg, "ticker_ttl must be > 0")
	assert.Contains(t, msg, `unsupported exchange "coinbase"`)
	assert.Contains(t, msg, "resync_batch_size must be >= 1")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Vault.Passphrase = "super-secret"
	cfg.Postgres.Password = "pgpass"
	cfg.Server.ApiKey = "api-key"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Vault.Passphrase)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.ApiKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original untouched.
	assert.Equal(t, "super-secret", cfg.Vault.Passphrase)

	// Slices are copies.
	red.Registry.SupportedExchanges[0] = "mutated"
	assert.Equal(t, "binance", cfg.Registry.SupportedExchanges[0])
}

func TestSupportsExchange(t *testing.T) {
	cfg := Defaults()

	assert.True(t, cfg.SupportsExchange("binance"))
	assert.True(t, cfg.SupportsExchange("BYBIT"))
	assert.False(t, cfg.SupportsExchange("ftx"))
}
