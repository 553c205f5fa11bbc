package domain

import (
	"strconv"
	"time"
)

// QuoteKind distinguishes the market data flavours served by the aggregator.
type QuoteKind string

const (
	QuoteTicker    QuoteKind = "ticker"
	QuoteOrderBook QuoteKind = "orderbook"
	QuoteTrades    QuoteKind = "trades"
	QuoteCandles   QuoteKind = "candles"
)

// QuoteParams narrows a quote request. Zero values fall back to per-kind
// defaults inside the aggregator.
type QuoteParams struct {
	Depth    int    // orderbook levels per side
	Limit    int    // trades / candles count
	Interval string // candle interval, e.g. "1m", "1h"
}

// CacheKey renders the params into a stable cache-key suffix.
func (p QuoteParams) CacheKey() string {
	return strconv.Itoa(p.Depth) + "|" + strconv.Itoa(p.Limit) + "|" + p.Interval
}

// Quote is one cached market data payload for (exchange, symbol, kind).
// Exactly one of the payload fields is set, matching Kind.
type Quote struct {
	Exchange  string
	Symbol    string
	Kind      QuoteKind
	Ticker    *Ticker
	Book      *OrderBook
	Trades    []PublicTrade
	Candles   []Candle
	FetchedAt time.Time
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// UnifiedTicker is the cross-exchange merge of per-venue tickers.
type UnifiedTicker struct {
	Symbol        string
	AvgPrice      float64 // mean of per-venue last prices
	BestBid       float64
	BestBidVenue  string
	BestAsk       float64
	BestAskVenue  string
	TotalVolume   float64
	Spread        float64 // bestAsk - bestBid, negative when crossed
	SpreadPct     float64
	ExchangeCount int
	Timestamp     time.Time
}

// UnifiedResult is the outcome of one cross-exchange fan-out. ByExchange
// holds the success subset; Errors the venues that failed. Unified is set
// for ticker queries only.
type UnifiedResult struct {
	Symbol     string
	Kind       QuoteKind
	Unified    *UnifiedTicker
	ByExchange map[string]Quote
	Errors     []ExchangeError
	FetchedAt  time.Time
}

// ArbitrageOpportunity is a price gap between two venues: buy at the ask on
// BuyExchange, sell into the bid on SellExchange.
type ArbitrageOpportunity struct {
	ID           string
	Symbol       string
	BuyExchange  string
	SellExchange string
	BuyPrice     float64 // ask on the buy venue
	SellPrice    float64 // bid on the sell venue
	Profit       float64
	ProfitPct    float64
	DetectedAt   time.Time
}

// AggregatorStats is a point-in-time view of the quote cache.
type AggregatorStats struct {
	EntriesByKind map[QuoteKind]int
	Entries       int
	Hits          int64
	Misses        int64
}
