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
// built-in defaults, applies CROSSFOLIO_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CROSSFOLIO_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Registry ──
	setStringSlice(&cfg.Registry.SupportedExchanges, "CROSSFOLIO_REGISTRY_SUPPORTED_EXCHANGES")
	setDuration(&cfg.Registry.IdleEviction, "CROSSFOLIO_REGISTRY_IDLE_EVICTION")
	setDuration(&cfg.Registry.EvictionSweep, "CROSSFOLIO_REGISTRY_EVICTION_SWEEP")
	setDuration(&cfg.Registry.RequestTimeout, "CROSSFOLIO_REGISTRY_REQUEST_TIMEOUT")

	// ── Aggregator ──
	setDuration(&cfg.Aggregator.TickerTTL, "CROSSFOLIO_AGGREGATOR_TICKER_TTL")
	setDuration(&cfg.Aggregator.OrderbookTTL, "CROSSFOLIO_AGGREGATOR_ORDERBOOK_TTL")
	setDuration(&cfg.Aggregator.TradesTTL, "CROSSFOLIO_AGGREGATOR_TRADES_TTL")
	setDuration(&cfg.Aggregator.CandlesTTL, "CROSSFOLIO_AGGREGATOR_CANDLES_TTL")
	setDuration(&cfg.Aggregator.RefreshInterval, "CROSSFOLIO_AGGREGATOR_REFRESH_INTERVAL")
	setStringSlice(&cfg.Aggregator.WatchSymbols, "CROSSFOLIO_AGGREGATOR_WATCH_SYMBOLS")
	setFloat64(&cfg.Aggregator.MinArbitrageProfitPct, "CROSSFOLIO_AGGREGATOR_MIN_ARBITRAGE_PROFIT_PCT")
	setBool(&cfg.Aggregator.VolumeWeighted, "CROSSFOLIO_AGGREGATOR_VOLUME_WEIGHTED")
	setInt(&cfg.Aggregator.OrderbookDepth, "CROSSFOLIO_AGGREGATOR_ORDERBOOK_DEPTH")
	setInt(&cfg.Aggregator.TradesLimit, "CROSSFOLIO_AGGREGATOR_TRADES_LIMIT")
	setInt(&cfg.Aggregator.CandlesLimit, "CROSSFOLIO_AGGREGATOR_CANDLES_LIMIT")
	setStr(&cfg.Aggregator.CandleInterval, "CROSSFOLIO_AGGREGATOR_CANDLE_INTERVAL")

	// ── Portfolio ──
	setStr(&cfg.Portfolio.BaseCurrency, "CROSSFOLIO_PORTFOLIO_BASE_CURRENCY")
	setDuration(&cfg.Portfolio.ResyncInterval, "CROSSFOLIO_PORTFOLIO_RESYNC_INTERVAL")
	setInt(&cfg.Portfolio.ResyncBatchSize, "CROSSFOLIO_PORTFOLIO_RESYNC_BATCH_SIZE")
	setStringSlice(&cfg.Portfolio.StablecoinSet, "CROSSFOLIO_PORTFOLIO_STABLECOIN_SET")

	// ── Feed ──
	setDuration(&cfg.Feed.LedgerTTL, "CROSSFOLIO_FEED_LEDGER_TTL")
	setDuration(&cfg.Feed.LedgerSweep, "CROSSFOLIO_FEED_LEDGER_SWEEP")
	setInt(&cfg.Feed.ReplayCount, "CROSSFOLIO_FEED_REPLAY_COUNT")

	// ── Exchanges ──
	setBool(&cfg.Exchanges.Binance.Testnet, "CROSSFOLIO_EXCHANGES_BINANCE_TESTNET")
	setFloat64(&cfg.Exchanges.Binance.RatePerSec, "CROSSFOLIO_EXCHANGES_BINANCE_RATE_PER_SEC")
	setInt(&cfg.Exchanges.Binance.Burst, "CROSSFOLIO_EXCHANGES_BINANCE_BURST")
	setStr(&cfg.Exchanges.Bybit.BaseURL, "CROSSFOLIO_EXCHANGES_BYBIT_BASE_URL")
	setFloat64(&cfg.Exchanges.Bybit.RatePerSec, "CROSSFOLIO_EXCHANGES_BYBIT_RATE_PER_SEC")
	setInt(&cfg.Exchanges.Bybit.Burst, "CROSSFOLIO_EXCHANGES_BYBIT_BURST")
	setStr(&cfg.Exchanges.Kucoin.BaseURL, "CROSSFOLIO_EXCHANGES_KUCOIN_BASE_URL")
	setFloat64(&cfg.Exchanges.Kucoin.RatePerSec, "CROSSFOLIO_EXCHANGES_KUCOIN_RATE_PER_SEC")
	setInt(&cfg.Exchanges.Kucoin.Burst, "CROSSFOLIO_EXCHANGES_KUCOIN_BURST")

	// ── Vault ──
	setStr(&cfg.Vault.Passphrase, "CROSSFOLIO_VAULT_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CROSSFOLIO_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "CROSSFOLIO_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CROSSFOLIO_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CROSSFOLIO_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CROSSFOLIO_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CROSSFOLIO_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CROSSFOLIO_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CROSSFOLIO_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "CROSSFOLIO_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "CROSSFOLIO_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CROSSFOLIO_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CROSSFOLIO_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CROSSFOLIO_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CROSSFOLIO_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CROSSFOLIO_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CROSSFOLIO_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CROSSFOLIO_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CROSSFOLIO_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CROSSFOLIO_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CROSSFOLIO_S3_REGION")
	setStr(&cfg.S3.Bucket, "CROSSFOLIO_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CROSSFOLIO_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CROSSFOLIO_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CROSSFOLIO_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CROSSFOLIO_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CROSSFOLIO_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "CROSSFOLIO_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "CROSSFOLIO_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Prefix, "CROSSFOLIO_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CROSSFOLIO_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CROSSFOLIO_SERVER_PORT")
	setStr(&cfg.Server.ApiKey, "CROSSFOLIO_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CROSSFOLIO_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CROSSFOLIO_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CROSSFOLIO_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CROSSFOLIO_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CROSSFOLIO_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CROSSFOLIO_MODE")
	setStr(&cfg.LogLevel, "CROSSFOLIO_LOG_LEVEL")
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
