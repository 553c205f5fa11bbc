// Package marketdata fetches and caches per-exchange market data, computes
// unified cross-exchange views, and detects arbitrage opportunities. Cache
// refills are single-flight: concurrent readers of an expired key share one
// upstream fetch.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// Config carries aggregation parameters.
type Config struct {
	TickerTTL    time.Duration
	OrderbookTTL time.Duration
	TradesTTL    time.Duration
	CandlesTTL   time.Duration
	// RequestTimeout bounds every upstream fetch.
	RequestTimeout time.Duration
	// VolumeWeighted switches the unified mean price from unweighted to
	// volume-weighted.
	VolumeWeighted bool
	// MinArbitrageProfitPct is the default detection threshold.
	MinArbitrageProfitPct float64
	OrderbookDepth        int
	TradesLimit           int
	CandlesLimit          int
	CandleInterval        string
}

func (c *Config) applyDefaults() {
	if c.TickerTTL <= 0 {
		c.TickerTTL = 5 * time.Second
	}
	if c.OrderbookTTL <= 0 {
		c.OrderbookTTL = 5 * time.Second
	}
	if c.TradesTTL <= 0 {
		c.TradesTTL = 10 * time.Second
	}
	if c.CandlesTTL <= 0 {
		c.CandlesTTL = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.OrderbookDepth < 1 {
		c.OrderbookDepth = 20
	}
	if c.TradesLimit < 1 {
		c.TradesLimit = 50
	}
	if c.CandlesLimit < 1 {
		c.CandlesLimit = 100
	}
	if c.CandleInterval == "" {
		c.CandleInterval = "1h"
	}
}

// Aggregator serves cached per-exchange quotes and derived cross-exchange
// views.
type Aggregator struct {
	clients domain.ClientSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.Quote

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an Aggregator over the given client source.
func New(clients domain.ClientSource, cfg Config, logger *slog.Logger) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		clients: clients,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "aggregator")),
		now:     time.Now,
		cache:   make(map[string]domain.Quote),
	}
}

// ttlFor returns the freshness bound for a quote kind.
func (a *Aggregator) ttlFor(kind domain.QuoteKind) time.Duration {
	switch kind {
	case domain.QuoteOrderBook:
		return a.cfg.OrderbookTTL
	case domain.QuoteTrades:
		return a.cfg.TradesTTL
	case domain.QuoteCandles:
		return a.cfg.CandlesTTL
	default:
		return a.cfg.TickerTTL
	}
}

// normalise fills zero params with the configured per-kind defaults so that
// equivalent requests share a cache key.
func (a *Aggregator) normalise(kind domain.QuoteKind, p domain.QuoteParams) domain.QuoteParams {
	switch kind {
	case domain.QuoteOrderBook:
		if p.Depth == 0 {
			p.Depth = a.cfg.OrderbookDepth
		}
	case domain.QuoteTrades:
		if p.Limit == 0 {
			p.Limit = a.cfg.TradesLimit
		}
	case domain.QuoteCandles:
		if p.Limit == 0 {
			p.Limit = a.cfg.CandlesLimit
		}
		if p.Interval == "" {
			p.Interval = a.cfg.CandleInterval
		}
	}
	return p
}

// GetQuote returns a fresh cache entry for (exchange, symbol, kind), fetching
// upstream on miss or expiry. Concurrent callers for the same key await the
// same in-flight fetch.
func (a *Aggregator) GetQuote(ctx context.Context, exchange, symbol string, kind domain.QuoteKind, params domain.QuoteParams) (domain.Quote, error) {
	params = a.normalise(kind, params)
	key := exchange + "|" + symbol + "|" + string(kind) + "|" + params.CacheKey()
	ttl := a.ttlFor(kind)

	a.mu.RLock()
	q, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && q.Age(a.now()) < ttl {
		a.hits.Add(1)
		return q, nil
	}
	a.misses.Add(1)

	v, err, _ := a.group.Do(key, func() (any, error) {
		// A caller queued behind the flight that just refilled the key
		// lands here after the fact; serve the fresh entry.
		a.mu.RLock()
		q, ok := a.cache[key]
		a.mu.RUnlock()
		if ok && q.Age(a.now()) < ttl {
			return q, nil
		}

		q, err := a.fetch(ctx, exchange, symbol, kind, params)
		if err != nil {
			return domain.Quote{}, err
		}

		a.mu.Lock()
		a.cache[key] = q
		a.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return v.(domain.Quote), nil
}

// fetch performs one upstream call for the given key, bounded by the request
// timeout, and reports the outcome to the client source's health tracking.
func (a *Aggregator) fetch(ctx context.Context, exchange, symbol string, kind domain.QuoteKind, params domain.QuoteParams) (domain.Quote, error) {
	client, err := a.clients.MarketClient(exchange)
	if err != nil {
		return domain.Quote{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	q := domain.Quote{
		Exchange: exchange,
		Symbol:   symbol,
		Kind:     kind,
	}
	switch kind {
	case domain.QuoteTicker:
		var t domain.Ticker
		t, err = client.FetchTicker(ctx, symbol)
		q.Ticker = &t
	case domain.QuoteOrderBook:
		var b domain.OrderBook
		b, err = client.FetchOrderBook(ctx, symbol, params.Depth)
		q.Book = &b
	case domain.QuoteTrades:
		q.Trades, err = client.FetchTrades(ctx, symbol, params.Limit)
	case domain.QuoteCandles:
		q.Candles, err = client.FetchCandles(ctx, symbol, params.Interval, params.Limit)
	default:
		return domain.Quote{}, fmt.Errorf("marketdata: unknown quote kind %q", kind)
	}

	a.clients.ReportHealth("", exchange, err)
	if err != nil {
		return domain.Quote{}, err
	}
	q.FetchedAt = a.now()
	return q, nil
}

// GetUnified fans GetQuote out across every enabled exchange in parallel and
// merges the success subset. Per-exchange failures are recorded on the
// result; the call fails only when no exchange returned data.
func (a *Aggregator) GetUnified(ctx context.Context, symbol string, kind domain.QuoteKind) (domain.UnifiedResult, error) {
	exchanges := a.clients.MarketExchanges()

	type slot struct {
		quote domain.Quote
		err   error
	}
	slots := make([]slot, len(exchanges))

	// Full fan-out/fan-in barrier: merge happens only after every exchange
	// has settled, success or failure.
	g, gctx := errgroup.WithContext(ctx)
	for i, exchange := range exchanges {
		g.Go(func() error {
			q, err := a.GetQuote(gctx, exchange, symbol, kind, domain.QuoteParams{})
			slots[i] = slot{quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := domain.UnifiedResult{
		Symbol:     symbol,
		Kind:       kind,
		ByExchange: make(map[string]domain.Quote, len(exchanges)),
		FetchedAt:  a.now(),
	}
	for i, exchange := range exchanges {
		if err := slots[i].err; err != nil {
			result.Errors = append(result.Errors, domain.ExchangeError{Exchange: exchange, Err: err})
			a.logger.WarnContext(ctx, "exchange fetch failed",
				slog.String("exchange", exchange),
				slog.String("symbol", symbol),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.ByExchange[exchange] = slots[i].quote
	}

	if len(result.ByExchange) == 0 {
		return result, fmt.Errorf("marketdata: unified %s %s: %w", symbol, kind, domain.ErrNoData)
	}

	if kind == domain.QuoteTicker {
		unified := a.unifyTickers(symbol, result.ByExchange)
		result.Unified = &unified
	}
	return result, nil
}

// unifyTickers merges per-exchange tickers: mean (or volume-weighted mean)
// of last prices, best bid/ask across venues, summed volume.
func (a *Aggregator) unifyTickers(symbol string, byExchange map[string]domain.Quote) domain.UnifiedTicker {
	u := domain.UnifiedTicker{
		Symbol:    symbol,
		Timestamp: a.now(),
	}

	var priceSum, weightSum float64
	for exchange, q := range byExchange {
		t := q.Ticker
		if t == nil {
			continue
		}
		u.ExchangeCount++
		u.TotalVolume += t.Volume

		if a.cfg.VolumeWeighted && t.Volume > 0 {
			priceSum += t.Last * t.Volume
			weightSum += t.Volume
		} else {
			priceSum += t.Last
			weightSum++
		}

		if t.Bid > 0 && (u.BestBidVenue == "" || t.Bid > u.BestBid) {
			u.BestBid = t.Bid
			u.BestBidVenue = exchange
		}
		if t.Ask > 0 && (u.BestAskVenue == "" || t.Ask < u.BestAsk) {
			u.BestAsk = t.Ask
			u.BestAskVenue = exchange
		}
	}

	if weightSum > 0 {
		u.AvgPrice = priceSum / weightSum
	}
	if u.BestBidVenue != "" && u.BestAskVenue != "" {
		u.Spread = u.BestAsk - u.BestBid
		if u.AvgPrice > 0 {
			u.SpreadPct = u.Spread / u.AvgPrice * 100
		}
	}
	return u
}

// ClearCache drops every cached quote.
func (a *Aggregator) ClearCache() {
	a.mu.Lock()
	a.cache = make(map[string]domain.Quote)
	a.mu.Unlock()
}

// Stats returns a point-in-time view of the quote cache.
func (a *Aggregator) Stats() domain.AggregatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byKind := make(map[domain.QuoteKind]int, 4)
	for _, q := range a.cache {
		byKind[q.Kind]++
	}
	return domain.AggregatorStats{
		EntriesByKind: byKind,
		Entries:       len(a.cache),
		Hits:          a.hits.Load(),
		Misses:        a.misses.Load(),
	}
}
