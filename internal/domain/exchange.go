package domain

import (
	"context"
	"time"
)

// Credentials are the API credentials for one exchange account.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // KuCoin requires one, other venues leave it empty
	// Sandbox records which environment the keys belong to, so a stored
	// credential rebuilds a client against the right endpoints.
	Sandbox bool
}

// Balance is the amount of a single asset held on one exchange.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// Ticker is a 24h rolling ticker for one symbol on one exchange.
type Ticker struct {
	Exchange    string
	Symbol      string
	Last        float64
	Bid         float64
	Ask         float64
	High        float64
	Low         float64
	Volume      float64 // base-asset volume
	QuoteVolume float64
	ChangePct   float64
	Timestamp   time.Time
}

// PriceLevel is one price level of an order book side.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot for one symbol on one exchange.
// Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	Exchange  string
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid level, or false when the side is empty.
func (ob OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (ob OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// PublicTrade is a single public trade print.
type PublicTrade struct {
	Exchange     string
	Symbol       string
	ID           string
	Price        float64
	Qty          float64
	IsBuyerMaker bool
	Timestamp    time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	Exchange  string
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// SymbolInfo describes one tradable symbol on an exchange.
type SymbolInfo struct {
	Symbol string // venue-native, e.g. "BTCUSDT"
	Base   string
	Quote  string
	Active bool
}

// ExchangeClient is the venue-facing port. One instance per (user, exchange)
// account, or credential-less for public market data. Implementations wrap
// the venue SDK or REST API and normalise into domain types.
type ExchangeClient interface {
	// Name returns the canonical lowercase exchange name.
	Name() string
	// TestConnection verifies credentials with one cheap authenticated call.
	TestConnection(ctx context.Context) error
	// FetchBalances returns all non-zero balances for the account.
	FetchBalances(ctx context.Context) ([]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]PublicTrade, error)
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	FetchSymbols(ctx context.Context) ([]SymbolInfo, error)
	Close() error
}

// ClientSource yields live exchange clients. The connection registry is the
// production implementation; market clients are shared credential-less
// handles, user clients are the per-account connections.
type ClientSource interface {
	MarketClient(exchange string) (ExchangeClient, error)
	MarketExchanges() []string
	UserClient(userID, exchange string) (ExchangeClient, error)
	UserExchanges(userID string) []string
	// ReportHealth records the outcome of an upstream call against the
	// connection's health. Empty userID addresses the shared market client.
	ReportHealth(userID, exchange string, err error)
}

// ConnectionHealth is the observed state of one registry entry.
type ConnectionHealth string

const (
	HealthConnected   ConnectionHealth = "connected"
	HealthDegraded    ConnectionHealth = "degraded"
	HealthUnreachable ConnectionHealth = "unreachable"
)

// ConnectionInfo is a read-only snapshot of a registry entry.
type ConnectionInfo struct {
	ID         string
	UserID     string
	Exchange   string
	Sandbox    bool
	Health     ConnectionHealth
	CreatedAt  time.Time
	LastUsedAt time.Time
}
