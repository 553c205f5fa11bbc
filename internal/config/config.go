// Package config defines the top-level configuration for the crossfolio
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CROSSFOLIO_* environment variables.
type Config struct {
	Registry   RegistryConfig   `toml:"registry"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Portfolio  PortfolioConfig  `toml:"portfolio"`
	Feed       FeedConfig       `toml:"feed"`
	Exchanges  ExchangesConfig  `toml:"exchanges"`
	Vault      VaultConfig      `toml:"vault"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// RegistryConfig holds connection-registry parameters.
type RegistryConfig struct {
	SupportedExchanges []string `toml:"supported_exchanges"`
	IdleEviction       duration `toml:"idle_eviction"`
	EvictionSweep      duration `toml:"eviction_sweep"`
	RequestTimeout     duration `toml:"request_timeout"`
}

// AggregatorConfig holds market-data aggregation parameters.
type AggregatorConfig struct {
	TickerTTL    duration `toml:"ticker_ttl"`
	OrderbookTTL duration `toml:"orderbook_ttl"`
	TradesTTL    duration `toml:"trades_ttl"`
	CandlesTTL   duration `toml:"candles_ttl"`
	// RefreshInterval drives the background watch-list refresher.
	RefreshInterval       duration `toml:"refresh_interval"`
	WatchSymbols          []string `toml:"watch_symbols"`
	MinArbitrageProfitPct float64  `toml:"min_arbitrage_profit_pct"`
	// VolumeWeighted switches the unified mean price from unweighted to
	// volume-weighted.
	VolumeWeighted bool   `toml:"volume_weighted"`
	OrderbookDepth int    `toml:"orderbook_depth"`
	TradesLimit    int    `toml:"trades_limit"`
	CandlesLimit   int    `toml:"candles_limit"`
	CandleInterval string `toml:"candle_interval"`
}

// PortfolioConfig holds reconciliation parameters.
type PortfolioConfig struct {
	BaseCurrency    string   `toml:"base_currency"`
	ResyncInterval  duration `toml:"resync_interval"`
	ResyncBatchSize int      `toml:"resync_batch_size"`
	StablecoinSet   []string `toml:"stablecoin_set"`
}

// FeedConfig holds trade-feed parameters.
type FeedConfig struct {
	// LedgerTTL bounds how long applied trade identities are remembered
	// for replay suppression.
	LedgerTTL   duration `toml:"ledger_ttl"`
	LedgerSweep duration `toml:"ledger_sweep"`
	// ReplayCount is how many entries of the applied-trades stream are
	// read on startup to warm the ledger.
	ReplayCount int `toml:"replay_count"`
}

// ExchangesConfig holds per-venue client parameters.
type ExchangesConfig struct {
	Binance BinanceConfig `toml:"binance"`
	Bybit   BybitConfig   `toml:"bybit"`
	Kucoin  KucoinConfig  `toml:"kucoin"`
}

// BinanceConfig holds Binance client parameters.
type BinanceConfig struct {
	Testnet    bool    `toml:"testnet"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// BybitConfig holds Bybit client parameters.
type BybitConfig struct {
	BaseURL    string  `toml:"base_url"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// KucoinConfig holds KuCoin client parameters.
type KucoinConfig struct {
	BaseURL    string  `toml:"base_url"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// VaultConfig holds the credential-vault master secret.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// ArchiveConfig holds portfolio-snapshot archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prefix        string   `toml:"prefix"`
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
	ApiKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Registry: RegistryConfig{
			SupportedExchanges: []string{"binance", "bybit", "kucoin"},
			IdleEviction:       duration{24 * time.Hour},
			EvictionSweep:      duration{time.Hour},
			RequestTimeout:     duration{10 * time.Second},
		},
		Aggregator: AggregatorConfig{
			TickerTTL:             duration{5 * time.Second},
			OrderbookTTL:          duration{5 * time.Second},
			TradesTTL:             duration{10 * time.Second},
			CandlesTTL:            duration{60 * time.Second},
			RefreshInterval:       duration{15 * time.Second},
			WatchSymbols:          []string{"BTC/USDT", "ETH/USDT"},
			MinArbitrageProfitPct: 0.5,
			VolumeWeighted:        false,
			OrderbookDepth:        20,
			TradesLimit:           50,
			CandlesLimit:          100,
			CandleInterval:        "1h",
		},
		Portfolio: PortfolioConfig{
			BaseCurrency:    "USDT",
			ResyncInterval:  duration{5 * time.Minute},
			ResyncBatchSize: 10,
			StablecoinSet:   []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "FDUSD", "USDE"},
		},
		Feed: FeedConfig{
			LedgerTTL:   duration{24 * time.Hour},
			LedgerSweep: duration{time.Hour},
			ReplayCount: 1000,
		},
		Exchanges: ExchangesConfig{
			Binance: BinanceConfig{
				Testnet:    false,
				RatePerSec: 10,
				Burst:      20,
			},
			Bybit: BybitConfig{
				BaseURL:    "https://api.bybit.com",
				RatePerSec: 10,
				Burst:      20,
			},
			Kucoin: KucoinConfig{
				BaseURL:    "https://api.kucoin.com",
				RatePerSec: 10,
				Burst:      20,
			},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "crossfolio",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "crossfolio-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
			Prefix:        "snapshots",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"arb_detected", "sync_failed", "connection_lost"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// knownExchanges enumerates the venues an adapter exists for. "sim" is the
// deterministic in-memory venue used by tests and demos.
var knownExchanges = map[string]bool{
	"binance": true,
	"bybit":   true,
	"kucoin":  true,
	"sim":     true,
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"market":    true,
	"portfolio": true,
	"server":    true,
	"full":      true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: market, portfolio, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Registry
	if len(c.Registry.SupportedExchanges) == 0 {
		errs = append(errs, "registry: supported_exchanges must not be empty")
	}
	for _, name := range c.Registry.SupportedExchanges {
		if !knownExchanges[strings.ToLower(name)] {
			errs = append(errs, fmt.Sprintf("registry: unsupported exchange %q (valid: binance, bybit, kucoin, sim)", name))
		}
	}
	if c.Registry.IdleEviction.Duration <= 0 {
		errs = append(errs, "registry: idle_eviction must be > 0")
	}
	if c.Registry.EvictionSweep.Duration <= 0 {
		errs = append(errs, "registry: eviction_sweep must be > 0")
	}
	if c.Registry.RequestTimeout.Duration <= 0 {
		errs = append(errs, "registry: request_timeout must be > 0")
	}

	// Aggregator
	for _, ttl := range []struct {
		name string
		d    time.Duration
	}{
		{"ticker_ttl", c.Aggregator.TickerTTL.Duration},
		{"orderbook_ttl", c.Aggregator.OrderbookTTL.Duration},
		{"trades_ttl", c.Aggregator.TradesTTL.Duration},
		{"candles_ttl", c.Aggregator.CandlesTTL.Duration},
		{"refresh_interval", c.Aggregator.RefreshInterval.Duration},
	} {
		if ttl.d <= 0 {
			errs = append(errs, fmt.Sprintf("aggregator: %s must be > 0", ttl.name))
		}
	}
	if c.Aggregator.MinArbitrageProfitPct < 0 {
		errs = append(errs, "aggregator: min_arbitrage_profit_pct must be >= 0")
	}
	if c.Aggregator.OrderbookDepth < 1 {
		errs = append(errs, "aggregator: orderbook_depth must be >= 1")
	}
	if c.Aggregator.TradesLimit < 1 {
		errs = append(errs, "aggregator: trades_limit must be >= 1")
	}
	if c.Aggregator.CandlesLimit < 1 {
		errs = append(errs, "aggregator: candles_limit must be >= 1")
	}

	// Portfolio
	if c.Portfolio.BaseCurrency == "" {
		errs = append(errs, "portfolio: base_currency must not be empty")
	}
	if c.Portfolio.ResyncInterval.Duration <= 0 {
		errs = append(errs, "portfolio: resync_interval must be > 0")
	}
	if c.Portfolio.ResyncBatchSize < 1 {
		errs = append(errs, "portfolio: resync_batch_size must be >= 1")
	}

	// Feed
	if c.Feed.LedgerTTL.Duration <= 0 {
		errs = append(errs, "feed: ledger_ttl must be > 0")
	}
	if c.Feed.ReplayCount < 0 {
		errs = append(errs, "feed: replay_count must be >= 0")
	}

	// Exchanges
	if c.Exchanges.Binance.RatePerSec <= 0 {
		errs = append(errs, "exchanges.binance: rate_per_sec must be > 0")
	}
	if c.Exchanges.Bybit.RatePerSec <= 0 {
		errs = append(errs, "exchanges.bybit: rate_per_sec must be > 0")
	}
	if c.Exchanges.Kucoin.RatePerSec <= 0 {
		errs = append(errs, "exchanges.kucoin: rate_per_sec must be > 0")
	}
	if c.Exchanges.Bybit.BaseURL == "" {
		errs = append(errs, "exchanges.bybit: base_url must not be empty")
	}
	if c.Exchanges.Kucoin.BaseURL == "" {
		errs = append(errs, "exchanges.kucoin: base_url must not be empty")
	}

	// Vault — required whenever credentials can be stored or loaded.
	needsVault := c.Mode == "portfolio" || c.Mode == "server" || c.Mode == "full"
	if needsVault && c.Vault.Passphrase == "" {
		errs = append(errs, "vault: passphrase is required for mode "+c.Mode)
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only checked when the archiver can run.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
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

// SupportsExchange reports whether name is in the configured exchange set.
func (c *Config) SupportsExchange(name string) bool {
	for _, e := range c.Registry.SupportedExchanges {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}
