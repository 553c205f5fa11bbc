package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/exchange/sim"
)

// fakeSource serves sim clients as shared market-data handles.
type fakeSource struct {
	clients map[string]*sim.Client
}

func (s *fakeSource) MarketClient(exchange string) (domain.ExchangeClient, error) {
	c, ok := s.clients[exchange]
	if !ok {
		return nil, domain.ErrUnsupportedExchange
	}
	return c, nil
}

func (s *fakeSource) MarketExchanges() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *fakeSource) UserClient(userID, exchange string) (domain.ExchangeClient, error) {
	return s.MarketClient(exchange)
}

func (s *fakeSource) UserExchanges(userID string) []string { return s.MarketExchanges() }

func (s *fakeSource) ReportHealth(userID, exchange string, err error) {}

func newTestAggregator(t *testing.T, clients map[string]*sim.Client, cfg Config) *Aggregator {
	t.Helper()
	return New(&fakeSource{clients: clients}, cfg, slog.Default())
}

func TestGetQuoteCachesWithinTTL(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Prices: map[string]float64{"BTC/USDT": 50000}, Spread: 5})
	agg := newTestAggregator(t, map[string]*sim.Client{"a": a}, Config{TickerTTL: 5 * time.Second})

	base := time.Now()
	agg.now = func() time.Time { return base }

	q1, err := agg.GetQuote(context.Background(), "a", "BTC/USDT", domain.QuoteTicker, domain.QuoteParams{})
	require.NoError(t, err)
	require.NotNil(t, q1.Ticker)
	assert.Equal(t, int64(1), a.Fetches())

	// Second read inside the TTL window is a cache hit: same payload, no
	// second upstream fetch.
	q2, err := agg.GetQuote(context.Background(), "a", "BTC/USDT", domain.QuoteTicker, domain.QuoteParams{})
	require.NoError(t, err)
	assert.Equal(t, q1.Ticker.Last, q2.Ticker.Last)
	assert.Equal(t, int64(1), a.Fetches())
	assert.Less(t, q2.Age(agg.now()), 5*time.Second)

	// Past the TTL the next reader triggers a fresh fetch.
	agg.now = func() time.Time { return base.Add(6 * time.Second) }
	_, err = agg.GetQuote(context.Background(), "a", "BTC/USDT", domain.QuoteTicker, domain.QuoteParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Fetches())
}

func TestGetQuoteSingleFlight(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Prices: map[string]float64{"BTC/USDT": 50000}, Spread: 5})
	agg := newTestAggregator(t, map[string]*sim.Client{"a": a}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.GetQuote(context.Background(), "a", "BTC/USDT", domain.QuoteTicker, domain.QuoteParams{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), a.Fetches(), "concurrent readers must share one upstream fetch")
}

func TestGetUnifiedMergesTickers(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50190, Ask: 50210, Volume: 300})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	result, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.NoError(t, err)
	require.NotNil(t, result.Unified)
	u := result.Unified

	assert.Equal(t, 2, u.ExchangeCount)
	assert.InDelta(t, 50100, u.AvgPrice, 1e-9) // unweighted mean
	assert.Equal(t, 50190.0, u.BestBid)
	assert.Equal(t, "b", u.BestBidVenue)
	assert.Equal(t, 50010.0, u.BestAsk)
	assert.Equal(t, "a", u.BestAskVenue)
	assert.Equal(t, 400.0, u.TotalVolume)
	assert.InDelta(t, -180, u.Spread, 1e-9) // crossed book across venues
	assert.Empty(t, result.Errors)
	assert.Len(t, result.ByExchange, 2)
}

func TestGetUnifiedSpreadNonNegativeWhenUncrossed(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "ETH/USDT", Last: 3000, Bid: 2999, Ask: 3001, Volume: 10})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "ETH/USDT", Last: 3002, Bid: 3000, Ask: 3003, Volume: 10})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	result, err := agg.GetUnified(context.Background(), "ETH/USDT", domain.QuoteTicker)
	require.NoError(t, err)
	u := result.Unified
	assert.Equal(t, 3000.0, u.BestBid)
	assert.Equal(t, 3001.0, u.BestAsk)
	assert.GreaterOrEqual(t, u.Spread, 0.0)
}

func TestGetUnifiedVolumeWeightedMean(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50190, Ask: 50210, Volume: 300})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{VolumeWeighted: true})

	result, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.NoError(t, err)
	// (50000*100 + 50200*300) / 400
	assert.InDelta(t, 50150, result.Unified.AvgPrice, 1e-9)
}

func TestGetUnifiedToleratesPartialFailure(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})
	b := sim.New(sim.Config{Name: "b", Prices: map[string]float64{"BTC/USDT": 50200}})
	b.Fail(errors.New("connection refused"))

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	result, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.NoError(t, err, "one healthy exchange is enough")
	require.NotNil(t, result.Unified)
	assert.InDelta(t, 50000, result.Unified.AvgPrice, 1e-9)
	assert.Equal(t, 1, result.Unified.ExchangeCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b", result.Errors[0].Exchange)
}

func TestGetUnifiedFailsWhenAllExchangesFail(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Prices: map[string]float64{"BTC/USDT": 50000}})
	a.Fail(errors.New("down"))
	b := sim.New(sim.Config{Name: "b", Prices: map[string]float64{"BTC/USDT": 50200}})
	b.Fail(errors.New("down"))

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	_, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.ErrorIs(t, err, domain.ErrNoData)
}

func TestGetUnifiedIdempotentWithinTTL(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a}, Config{TickerTTL: time.Minute})

	r1, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.NoError(t, err)
	r2, err := agg.GetUnified(context.Background(), "BTC/USDT", domain.QuoteTicker)
	require.NoError(t, err)

	assert.Equal(t, r1.Unified.AvgPrice, r2.Unified.AvgPrice)
	assert.Equal(t, r1.Unified.BestBid, r2.Unified.BestBid)
	assert.Equal(t, r1.Unified.BestAsk, r2.Unified.BestAsk)
	assert.Equal(t, int64(1), a.Fetches(), "second unified call must be served from cache")
}

func TestClearCacheAndStats(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Prices: map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 3000}, Spread: 1})
	agg := newTestAggregator(t, map[string]*sim.Client{"a": a}, Config{})

	_, err := agg.GetQuote(context.Background(), "a", "BTC/USDT", domain.QuoteTicker, domain.QuoteParams{})
	require.NoError(t, err)
	_, err = agg.GetQuote(context.Background(), "a", "ETH/USDT", domain.QuoteOrderBook, domain.QuoteParams{})
	require.NoError(t, err)

	stats := agg.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.EntriesByKind[domain.QuoteTicker])
	assert.Equal(t, 1, stats.EntriesByKind[domain.QuoteOrderBook])

	agg.ClearCache()
	assert.Equal(t, 0, agg.Stats().Entries)
}
