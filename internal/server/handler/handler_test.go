package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// --- quote handler ---

type fakeQuotes struct {
	quote    domain.Quote
	unified  domain.UnifiedResult
	arbs     []domain.ArbitrageOpportunity
	err      error
	minSeen  float64
	kindSeen domain.QuoteKind
}

func (f *fakeQuotes) GetQuote(_ context.Context, exchange, symbol string, kind domain.QuoteKind, _ domain.QuoteParams) (domain.Quote, error) {
	f.kindSeen = kind
	return f.quote, f.err
}

func (f *fakeQuotes) GetUnified(_ context.Context, symbol string, kind domain.QuoteKind) (domain.UnifiedResult, error) {
	f.kindSeen = kind
	return f.unified, f.err
}

func (f *fakeQuotes) GetArbitrage(_ context.Context, symbol string, minProfitPct float64) ([]domain.ArbitrageOpportunity, error) {
	f.minSeen = minProfitPct
	return f.arbs, f.err
}

func TestGetQuoteRequiresSymbolAndExchange(t *testing.T) {
	h := NewQuoteHandler(&fakeQuotes{}, testLogger())

	rec := httptest.NewRecorder()
	h.GetQuote(rec, httptest.NewRequest(http.MethodGet, "/api/quotes?symbol=BTC/USDT", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetQuoteParsesKind(t *testing.T) {
	fq := &fakeQuotes{quote: domain.Quote{Exchange: "binance", Symbol: "BTC/USDT", Kind: domain.QuoteOrderBook}}
	h := NewQuoteHandler(fq, testLogger())

	rec := httptest.NewRecorder()
	h.GetQuote(rec, httptest.NewRequest(http.MethodGet, "/api/quotes?symbol=BTC/USDT&exchange=binance&kind=orderbook", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QuoteOrderBook, fq.kindSeen)
}

func TestGetQuoteRejectsUnknownKind(t *testing.T) {
	h := NewQuoteHandler(&fakeQuotes{}, testLogger())

	rec := httptest.NewRecorder()
	h.GetQuote(rec, httptest.NewRequest(http.MethodGet, "/api/quotes?symbol=BTC/USDT&exchange=binance&kind=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuoteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrUnsupportedExchange, http.StatusBadRequest},
		{domain.ErrNoData, http.StatusNotFound},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := NewQuoteHandler(&fakeQuotes{err: tc.err}, testLogger())
		rec := httptest.NewRecorder()
		h.GetUnified(rec, httptest.NewRequest(http.MethodGet, "/api/quotes/unified?symbol=BTC/USDT", nil))
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestGetArbitrageDefaultsThreshold(t *testing.T) {
	fq := &fakeQuotes{}
	h := NewQuoteHandler(fq, testLogger())

	rec := httptest.NewRecorder()
	h.GetArbitrage(rec, httptest.NewRequest(http.MethodGet, "/api/arbitrage?symbol=BTC/USDT", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -1.0, fq.minSeen)

	body := decodeBody(t, rec)
	assert.Equal(t, []any{}, body["opportunities"])
}

// --- exchange handler ---

type fakeRegistry struct {
	connectErr   error
	connected    []string
	disconnected bool
	conns        []domain.ConnectionInfo
}

func (f *fakeRegistry) Connect(_ context.Context, userID, exchange string, _ domain.Credentials, _ bool) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.connected = append(f.connected, userID+"/"+exchange)
	return userID + ":" + exchange, nil
}

func (f *fakeRegistry) Disconnect(ctx context.Context, userID, exchange string) bool {
	return f.disconnected
}

// fakeMirror answers cross-instance mirror lookups from a static table.
type fakeMirror struct {
	tickers map[string]domain.UnifiedTicker
}

func (f *fakeMirror) SetUnified(ctx context.Context, t domain.UnifiedTicker) error { return nil }

func (f *fakeMirror) GetUnified(ctx context.Context, symbol string) (domain.UnifiedTicker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return domain.UnifiedTicker{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeMirror) GetAll(ctx context.Context, symbols []string) (map[string]domain.UnifiedTicker, error) {
	out := make(map[string]domain.UnifiedTicker)
	for _, symbol := range symbols {
		if t, ok := f.tickers[symbol]; ok {
			out[symbol] = t
		}
	}
	return out, nil
}

// fakeStats answers cache-statistics lookups.
type fakeStats struct {
	stats domain.AggregatorStats
}

func (f *fakeStats) Stats() domain.AggregatorStats { return f.stats }

// fakeSubscribers reports a fixed WebSocket client count.
type fakeSubscribers struct {
	n int
}

func (f *fakeSubscribers) ClientCount() int { return f.n }

func (f *fakeRegistry) ListForUser(userID string) []domain.ConnectionInfo { return f.conns }

func (f *fakeRegistry) MarketExchanges() []string { return []string{"binance", "bybit"} }

func TestConnectRegistersConnection(t *testing.T) {
	fr := &fakeRegistry{}
	h := NewExchangeHandler(fr, testLogger())

	body := `{"user_id":"alice","exchange":"Binance","api_key":"k","api_secret":"s"}`
	rec := httptest.NewRecorder()
	h.Connect(rec, httptest.NewRequest(http.MethodPost, "/api/exchanges/connect", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"alice/binance"}, fr.connected)
	assert.Equal(t, "alice:binance", decodeBody(t, rec)["connection_id"])
}

func TestConnectErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrUnsupportedExchange, http.StatusBadRequest},
		{domain.ErrInvalidCredentials, http.StatusUnauthorized},
		{domain.ErrConnectionTestFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := NewExchangeHandler(&fakeRegistry{connectErr: tc.err}, testLogger())
		rec := httptest.NewRecorder()
		body := `{"user_id":"alice","exchange":"binance"}`
		h.Connect(rec, httptest.NewRequest(http.MethodPost, "/api/exchanges/connect", strings.NewReader(body)))
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestDisconnectNotConnected(t *testing.T) {
	h := NewExchangeHandler(&fakeRegistry{disconnected: false}, testLogger())

	req := httptest.NewRequest(http.MethodDelete, "/api/exchanges/binance?user_id=alice", nil)
	req.SetPathValue("exchange", "binance")
	rec := httptest.NewRecorder()
	h.Disconnect(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUsesHeaderIdentity(t *testing.T) {
	fr := &fakeRegistry{conns: []domain.ConnectionInfo{{Exchange: "binance"}}}
	h := NewExchangeHandler(fr, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/exchanges", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["connections"], 1)
	assert.Equal(t, []any{"binance", "bybit"}, body["supported"])
}

// --- portfolio handler ---

type fakePortfolios struct {
	summary   domain.PortfolioSummary
	holdings  []domain.Holding
	points    []domain.PerformancePoint
	resyncErr error
	filter    domain.HoldingFilter
}

func (f *fakePortfolios) GetSummary(_ context.Context, userID string) (domain.PortfolioSummary, error) {
	return f.summary, nil
}

func (f *fakePortfolios) GetHoldings(_ context.Context, userID string, filter domain.HoldingFilter) ([]domain.Holding, error) {
	f.filter = filter
	return f.holdings, nil
}

func (f *fakePortfolios) GetPerformanceHistory(_ context.Context, userID string, days int) ([]domain.PerformancePoint, error) {
	return f.points, nil
}

func (f *fakePortfolios) Resync(_ context.Context, userID string) (*domain.Portfolio, error) {
	if f.resyncErr != nil {
		return nil, f.resyncErr
	}
	return &domain.Portfolio{UserID: userID}, nil
}

type fakeTrades struct {
	fills []domain.TradeFill
	opts  domain.ListOpts
}

func (f *fakeTrades) Insert(context.Context, domain.TradeFill) error { return nil }

func (f *fakeTrades) ListByUser(_ context.Context, _ string, opts domain.ListOpts) ([]domain.TradeFill, error) {
	f.opts = opts
	return f.fills, nil
}

func TestSummaryRequiresUser(t *testing.T) {
	h := NewPortfolioHandler(&fakePortfolios{}, nil, testLogger())

	rec := httptest.NewRecorder()
	h.GetSummary(rec, httptest.NewRequest(http.MethodGet, "/api/portfolio/summary", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHoldingsParsesFilter(t *testing.T) {
	fp := &fakePortfolios{}
	h := NewPortfolioHandler(fp, nil, testLogger())

	rec := httptest.NewRecorder()
	h.GetHoldings(rec, httptest.NewRequest(http.MethodGet,
		"/api/portfolio/holdings?user_id=alice&assets=BTC,%20eth&exchange=Binance&min_value=25&hide_zero=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"BTC", "eth"}, fp.filter.Assets)
	assert.Equal(t, "binance", fp.filter.Exchange)
	assert.Equal(t, 25.0, fp.filter.MinValue)
	assert.True(t, fp.filter.HideZero)
}

func TestResyncConflict(t *testing.T) {
	h := NewPortfolioHandler(&fakePortfolios{resyncErr: domain.ErrSyncInProgress}, nil, testLogger())

	rec := httptest.NewRecorder()
	h.Resync(rec, httptest.NewRequest(http.MethodPost, "/api/portfolio/resync?user_id=alice", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetTradesParsesListOpts(t *testing.T) {
	ft := &fakeTrades{fills: []domain.TradeFill{{ID: "t1", Timestamp: time.Now()}}}
	h := NewPortfolioHandler(&fakePortfolios{}, ft, testLogger())

	rec := httptest.NewRecorder()
	h.GetTrades(rec, httptest.NewRequest(http.MethodGet,
		"/api/portfolio/trades?user_id=alice&limit=10&offset=5&since=2026-01-01T00:00:00Z", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, ft.opts.Limit)
	assert.Equal(t, 5, ft.opts.Offset)
	require.NotNil(t, ft.opts.Since)
	assert.Equal(t, 2026, ft.opts.Since.Year())
}

func TestGetTradesWithoutStore(t *testing.T) {
	h := NewPortfolioHandler(&fakePortfolios{}, nil, testLogger())

	rec := httptest.NewRecorder()
	h.GetTrades(rec, httptest.NewRequest(http.MethodGet, "/api/portfolio/trades?user_id=alice", nil))

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetUnifiedFallsBackToMirror(t *testing.T) {
	fq := &fakeQuotes{err: domain.ErrNoData}
	mirror := &fakeMirror{tickers: map[string]domain.UnifiedTicker{
		"BTC/USDT": {Symbol: "BTC/USDT", AvgPrice: 50100, ExchangeCount: 2},
	}}
	h := NewQuoteHandler(fq, testLogger()).WithMirror(mirror)

	rec := httptest.NewRecorder()
	h.GetUnified(rec, httptest.NewRequest(http.MethodGet, "/api/quotes/unified?symbol=BTC/USDT", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	unified, ok := body["Unified"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50100, unified["AvgPrice"])
	assert.EqualValues(t, 2, unified["ExchangeCount"])
}

func TestGetUnifiedMirrorMissKeepsError(t *testing.T) {
	fq := &fakeQuotes{err: domain.ErrNoData}
	h := NewQuoteHandler(fq, testLogger()).WithMirror(&fakeMirror{})

	rec := httptest.NewRecorder()
	h.GetUnified(rec, httptest.NewRequest(http.MethodGet, "/api/quotes/unified?symbol=BTC/USDT", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUnifiedMirrorSkippedForNonTicker(t *testing.T) {
	fq := &fakeQuotes{err: domain.ErrNoData}
	mirror := &fakeMirror{tickers: map[string]domain.UnifiedTicker{
		"BTC/USDT": {Symbol: "BTC/USDT", AvgPrice: 50100},
	}}
	h := NewQuoteHandler(fq, testLogger()).WithMirror(mirror)

	rec := httptest.NewRecorder()
	h.GetUnified(rec, httptest.NewRequest(http.MethodGet, "/api/quotes/unified?symbol=BTC/USDT&kind=orderbook", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatsReportsCacheAndSubscribers(t *testing.T) {
	src := &fakeStats{stats: domain.AggregatorStats{
		Entries:       3,
		EntriesByKind: map[domain.QuoteKind]int{domain.QuoteTicker: 3},
		Hits:          7,
		Misses:        1,
	}}
	h := NewStatsHandler(src, "full", time.Now(), testLogger()).
		WithSubscribers(&fakeSubscribers{n: 2})

	rec := httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "full", body["mode"])
	assert.EqualValues(t, 2, body["subscriber_count"])
	cache, ok := body["cache"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, cache["entries"])
	assert.EqualValues(t, 7, cache["hits"])
}

func TestGetStatsWithoutSubscriberSource(t *testing.T) {
	h := NewStatsHandler(nil, "market", time.Now(), testLogger())

	rec := httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	_, hasSubs := body["subscriber_count"]
	assert.False(t, hasSubs)
	_, hasCache := body["cache"]
	assert.False(t, hasCache)
}
