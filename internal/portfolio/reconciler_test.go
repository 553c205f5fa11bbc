package portfolio

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

// memStore is an in-memory domain.PortfolioStore.
type memStore struct {
	mu        sync.Mutex
	byUser    map[string]*domain.Portfolio
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{byUser: make(map[string]*domain.Portfolio)}
}

func (s *memStore) Load(ctx context.Context, userID string) (*domain.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byUser[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePortfolio(p), nil
}

func (s *memStore) Save(ctx context.Context, p *domain.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[p.UserID] = clonePortfolio(p)
	s.saveCalls++
	return nil
}

func (s *memStore) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byUser))
	for id := range s.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// memTrades records inserted fills.
type memTrades struct {
	mu    sync.Mutex
	fills []domain.TradeFill
}

func (s *memTrades) Insert(ctx context.Context, fill domain.TradeFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	return nil
}

func (s *memTrades) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeFill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeFill
	for _, f := range s.fills {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

// fakeClients serves sim clients as a user's connected exchanges.
type fakeClients struct {
	clients map[string]*sim.Client
}

func (s *fakeClients) MarketClient(exchange string) (domain.ExchangeClient, error) {
	return s.UserClient("", exchange)
}

func (s *fakeClients) MarketExchanges() []string { return s.UserExchanges("") }

func (s *fakeClients) UserClient(userID, exchange string) (domain.ExchangeClient, error) {
	c, ok := s.clients[exchange]
	if !ok {
		return nil, domain.ErrNotConnected
	}
	return c, nil
}

func (s *fakeClients) UserExchanges(userID string) []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *fakeClients) ReportHealth(userID, exchange string, err error) {}

// fakePrices answers unified-ticker lookups from a static price table.
type fakePrices struct {
	prices map[string]float64
	err    error
}

func (s *fakePrices) GetUnified(ctx context.Context, symbol string, kind domain.QuoteKind) (domain.UnifiedResult, error) {
	if s.err != nil {
		return domain.UnifiedResult{}, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return domain.UnifiedResult{}, domain.ErrNoData
	}
	return domain.UnifiedResult{
		Symbol:  symbol,
		Kind:    kind,
		Unified: &domain.UnifiedTicker{Symbol: symbol, AvgPrice: price, ExchangeCount: 1},
	}, nil
}

func newTestReconciler(t *testing.T, clients map[string]*sim.Client, prices map[string]float64) (*Reconciler, *memStore) {
	t.Helper()
	store := newMemStore()
	r := New(store, &memTrades{}, &fakeClients{clients: clients}, &fakePrices{prices: prices},
		nil, nil, nil,
		Config{BaseCurrency: "USDT", Stablecoins: []string{"USDT", "USDC"}},
		slog.Default(),
	)
	return r, store
}

func buy(user, asset string, amount, price, fee float64) domain.TradeFill {
	return fill(user, asset, domain.TradeBuy, amount, price, fee)
}

func sell(user, asset string, amount, price, fee float64) domain.TradeFill {
	return fill(user, asset, domain.TradeSell, amount, price, fee)
}

var fillSeq int

func fill(user, asset string, side domain.TradeSide, amount, price, fee float64) domain.TradeFill {
	fillSeq++
	return domain.TradeFill{
		ID:        string(rune('a' + fillSeq%26)),
		UserID:    user,
		Exchange:  "sim",
		Symbol:    asset + "/USDT",
		Base:      asset,
		Quote:     "USDT",
		Side:      side,
		Price:     price,
		Amount:    amount,
		Fee:       fee,
		Timestamp: time.Now(),
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r, store := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	p1, err := r.GetOrCreate(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.Equal(t, "alice", p1.UserID)
	assert.Equal(t, "USD", p1.BaseCurrency)
	assert.Equal(t, domain.SyncIdle, p1.SyncStatus)
	assert.Empty(t, p1.Holdings)

	// Second call returns the same portfolio; the base currency argument is
	// only honored at creation.
	p2, err := r.GetOrCreate(ctx, "alice", "EUR")
	require.NoError(t, err)
	assert.Equal(t, "USD", p2.BaseCurrency)
	assert.Equal(t, p1.CreatedAt, p2.CreatedAt)

	ids, err := store.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)
}

func TestApplyTradeBuyThenSellCostBasis(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.ApplyTrade(ctx, buy("alice", "BTC", 1, 50000, 10)))

	p, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	h := p.Holdings["BTC"]
	require.NotNil(t, h)
	assert.InDelta(t, 1.0, h.TotalAmount, 1e-9)
	assert.InDelta(t, 50010.0, h.CostBasis, 1e-9)
	assert.InDelta(t, 0.0, h.RealizedPnL, 1e-9)

	// Selling half releases half the cost basis: realized P&L is
	// 0.5*51000 - 5 - 25005 = 490.
	require.NoError(t, r.ApplyTrade(ctx, sell("alice", "BTC", 0.5, 51000, 5)))

	p, err = r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	h = p.Holdings["BTC"]
	assert.InDelta(t, 0.5, h.TotalAmount, 1e-9)
	assert.InDelta(t, 25005.0, h.CostBasis, 1e-9)
	assert.InDelta(t, 490.0, h.RealizedPnL, 1e-9)
	assert.InDelta(t, 51000.0, h.CurrentPrice, 1e-9)
}

func TestApplyTradeSellingMoreThanHeldClamps(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.ApplyTrade(ctx, buy("bob", "ETH", 1, 3000, 0)))
	require.NoError(t, r.ApplyTrade(ctx, sell("bob", "ETH", 2, 3100, 0)))

	p, err := r.GetOrCreate(ctx, "bob", "")
	require.NoError(t, err)
	h := p.Holdings["ETH"]
	// The full cost basis is released; amounts floor at zero. The closed
	// position stays visible.
	assert.Zero(t, h.TotalAmount)
	assert.Zero(t, h.CostBasis)
	assert.InDelta(t, 2*3100-3000, h.RealizedPnL, 1e-9)
}

func TestApplyTradeRejectsBadFills(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	err := r.ApplyTrade(ctx, buy("carol", "BTC", 0, 50000, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be positive")

	bad := buy("carol", "BTC", 1, 50000, 0)
	bad.Side = "hold"
	err = r.ApplyTrade(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown side")
}

func TestResyncMergesBalancesAcrossExchanges(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1, Locked: 0.5},
		{Asset: "USDT", Free: 1000},
	}})
	b := sim.New(sim.Config{Name: "b", Balances: []domain.Balance{
		{Asset: "BTC", Free: 0.5},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a, "b": b},
		map[string]float64{"BTC/USDT": 50000})
	ctx := context.Background()

	p, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.SyncSynced, p.SyncStatus)
	assert.Empty(t, p.SyncErrors)
	assert.False(t, p.LastSyncAt.IsZero())

	h := p.Holdings["BTC"]
	require.NotNil(t, h)
	assert.InDelta(t, 2.0, h.TotalAmount, 1e-9)
	assert.InDelta(t, 1.5, h.ByExchange["a"], 1e-9)
	assert.InDelta(t, 0.5, h.ByExchange["b"], 1e-9)
	assert.InDelta(t, 0.5, h.LockedAmount, 1e-9)
	assert.InDelta(t, 1.5, h.AvailableAmount, 1e-9)
	assert.InDelta(t, 50000.0, h.CurrentPrice, 1e-9)
	assert.InDelta(t, 100000.0, h.CurrentValue, 1e-9)

	// The base currency holding is valued 1:1.
	usdt := p.Holdings["USDT"]
	require.NotNil(t, usdt)
	assert.InDelta(t, 1.0, usdt.CurrentPrice, 1e-9)

	assert.InDelta(t, 101000.0, p.TotalValue.Current, 1e-9)
	require.Len(t, p.Performance, 1)
	assert.InDelta(t, 101000.0, p.Performance[0].Value, 1e-9)
}

func TestResyncKeepsLastKnownOnExchangeFailure(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1},
	}})
	b := sim.New(sim.Config{Name: "b", Balances: []domain.Balance{
		{Asset: "BTC", Free: 0.25},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a, "b": b},
		map[string]float64{"BTC/USDT": 50000})
	ctx := context.Background()

	_, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	// Exchange b fails the next pass; its last-known contribution stays.
	b.Fail(errors.New("boom"))
	p, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.SyncSynced, p.SyncStatus)
	require.Len(t, p.SyncErrors, 1)
	assert.Contains(t, p.SyncErrors[0], "b:")

	h := p.Holdings["BTC"]
	assert.InDelta(t, 1.25, h.TotalAmount, 1e-9)
	assert.InDelta(t, 0.25, h.ByExchange["b"], 1e-9)
}

func TestResyncAllExchangesFailing(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.Fail(errors.New("down"))
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a}, nil)

	p, err := r.Resync(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFailed, p.SyncStatus)
	require.Len(t, p.SyncErrors, 1)
}

func TestResyncWithNoExchangesIsTriviallySynced(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)

	p, err := r.Resync(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, p.SyncStatus)
	assert.Empty(t, p.SyncErrors)
}

func TestResyncPreservesTradeDerivedHoldings(t *testing.T) {
	r, _ := newTestReconciler(t, nil, map[string]float64{"BTC/USDT": 50000})
	ctx := context.Background()

	require.NoError(t, r.ApplyTrade(ctx, buy("alice", "BTC", 1, 50000, 10)))

	// No connected exchange reports BTC; the applied amount survives.
	p, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	h := p.Holdings["BTC"]
	require.NotNil(t, h)
	assert.InDelta(t, 1.0, h.TotalAmount, 1e-9)
	assert.InDelta(t, 1.0, h.AvailableAmount, 1e-9)
	assert.InDelta(t, 50010.0, h.CostBasis, 1e-9)
	assert.InDelta(t, 50000.0, h.CurrentValue, 1e-9)
	assert.InDelta(t, -10.0, h.UnrealizedPnL, 1e-9)
}

func TestResyncDoesNotZeroUnreportedAssets(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "ETH", Free: 2},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a},
		map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 3000})
	ctx := context.Background()

	require.NoError(t, r.ApplyTrade(ctx, buy("alice", "BTC", 0.5, 50000, 0)))

	// Exchange a reports ETH only; the trade-derived BTC holding is not
	// covered by any report and keeps its amount.
	p, err := r.Resync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, p.SyncStatus)

	assert.InDelta(t, 0.5, p.Holdings["BTC"].TotalAmount, 1e-9)
	assert.InDelta(t, 2.0, p.Holdings["ETH"].TotalAmount, 1e-9)
	assert.InDelta(t, 2.0, p.Holdings["ETH"].ByExchange["a"], 1e-9)
}

func TestResyncKeepsLastPriceWhenPricingUnavailable(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1},
	}})
	prices := &fakePrices{prices: map[string]float64{"BTC/USDT": 48000}}
	store := newMemStore()
	r := New(store, nil, &fakeClients{clients: map[string]*sim.Client{"a": a}}, prices,
		nil, nil, nil, Config{BaseCurrency: "USDT"}, slog.Default())
	ctx := context.Background()

	_, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	prices.err = errors.New("aggregator down")
	p, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	h := p.Holdings["BTC"]
	assert.InDelta(t, 48000.0, h.CurrentPrice, 1e-9)
	require.NotEmpty(t, p.SyncErrors)
	assert.Contains(t, p.SyncErrors[0], "pricing unavailable")
}

func TestSummaryAllocationsAndDiversification(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1},
		{Asset: "USDC", Free: 50000},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a},
		map[string]float64{"BTC/USDT": 50000})
	ctx := context.Background()

	_, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	s, err := r.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, s.HoldingCount)
	assert.InDelta(t, 100000.0, s.TotalValue, 1e-9)
	assert.InDelta(t, 50.0, s.AllocationByAsset["BTC"], 1e-9)
	assert.InDelta(t, 50.0, s.AllocationByAsset["USDC"], 1e-9)
	assert.InDelta(t, 50.0, s.AllocationByClass[domain.AssetCrypto], 1e-9)
	assert.InDelta(t, 50.0, s.AllocationByClass[domain.AssetStablecoin], 1e-9)
	// Two equal positions: 100*(1 - 0.25 - 0.25) = 50.
	assert.InDelta(t, 50.0, s.Diversification, 1e-9)
}

func TestSummaryRealizedAndUnrealizedPnL(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.ApplyTrade(ctx, buy("alice", "BTC", 1, 50000, 10)))
	require.NoError(t, r.ApplyTrade(ctx, sell("alice", "BTC", 0.5, 51000, 5)))

	s, err := r.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 490.0, s.RealizedPnL, 1e-9)
	// 0.5 BTC valued at the last trade price against 25005 of cost.
	assert.InDelta(t, 25500.0, s.TotalValue, 1e-9)
	assert.InDelta(t, 495.0, s.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 495.0/25005.0*100, s.UnrealizedPnLPct, 1e-9)
}

func TestGetHoldingsFiltersAndSorts(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1},
		{Asset: "ETH", Free: 10},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a},
		map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 3000})
	ctx := context.Background()

	// A fully closed DOGE position stays visible as a zero-amount holding.
	require.NoError(t, r.ApplyTrade(ctx, buy("alice", "DOGE", 100, 0.1, 0)))
	require.NoError(t, r.ApplyTrade(ctx, sell("alice", "DOGE", 100, 0.1, 0)))

	_, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	all, err := r.GetHoldings(ctx, "alice", domain.HoldingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "BTC", all[0].Asset)
	assert.Equal(t, "ETH", all[1].Asset)

	nonzero, err := r.GetHoldings(ctx, "alice", domain.HoldingFilter{HideZero: true})
	require.NoError(t, err)
	assert.Len(t, nonzero, 2)

	big, err := r.GetHoldings(ctx, "alice", domain.HoldingFilter{MinValue: 40000})
	require.NoError(t, err)
	require.Len(t, big, 1)
	assert.Equal(t, "BTC", big[0].Asset)

	byAsset, err := r.GetHoldings(ctx, "alice", domain.HoldingFilter{Assets: []string{"eth"}})
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
	assert.Equal(t, "ETH", byAsset[0].Asset)
}

func TestPerformanceHistoryRollsOverDaily(t *testing.T) {
	a := sim.New(sim.Config{Name: "a", Balances: []domain.Balance{
		{Asset: "BTC", Free: 1},
	}})
	r, _ := newTestReconciler(t, map[string]*sim.Client{"a": a},
		map[string]float64{"BTC/USDT": 50000})
	ctx := context.Background()

	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	_, err := r.Resync(ctx, "alice")
	require.NoError(t, err)

	// A second resync on the same UTC date does not add a point.
	r.now = func() time.Time { return base.Add(6 * time.Hour) }
	_, err = r.Resync(ctx, "alice")
	require.NoError(t, err)

	points, err := r.GetPerformanceHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, base.Truncate(24*time.Hour), points[0].Date)

	// The next day appends.
	r.now = func() time.Time { return base.Add(24 * time.Hour) }
	_, err = r.Resync(ctx, "alice")
	require.NoError(t, err)

	points, err = r.GetPerformanceHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, points, 2)

	trimmed, err := r.GetPerformanceHistory(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, trimmed, 1)
	assert.Equal(t, points[1].Date, trimmed[0].Date)
}

func TestResyncRejectsConcurrentSync(t *testing.T) {
	r, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	e, err := r.entry(ctx, "alice", "")
	require.NoError(t, err)
	e.mu.Lock()
	e.p.SyncStatus = domain.SyncRunning
	e.mu.Unlock()

	_, err = r.Resync(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrSyncInProgress)
}
