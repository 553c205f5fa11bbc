// Package portfolio owns per-user holdings state: it applies trade fills to
// quantities and cost basis, periodically re-synchronizes holdings from live
// exchange balances, and recomputes valuations and allocations from
// aggregated prices.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/notify"
)

// PriceSource prices assets during resync. The market data aggregator is the
// production implementation.
type PriceSource interface {
	GetUnified(ctx context.Context, symbol string, kind domain.QuoteKind) (domain.UnifiedResult, error)
}

// Config carries reconciliation parameters.
type Config struct {
	BaseCurrency string
	// ResyncInterval drives the background resync loop.
	ResyncInterval time.Duration
	// ResyncBatchSize bounds how many portfolios one background tick
	// touches, capping concurrent upstream load.
	ResyncBatchSize int
	// Stablecoins are valued 1:1 against the base currency and classified
	// separately in allocations.
	Stablecoins []string
	// RequestTimeout bounds each per-exchange balance fetch.
	RequestTimeout time.Duration
}

// entry pairs a portfolio with its single-writer lock.
type entry struct {
	mu sync.Mutex
	p  *domain.Portfolio
}

// Reconciler is the per-user holdings owner.
type Reconciler struct {
	store    domain.PortfolioStore
	trades   domain.TradeStore // nil disables the applied-trade record
	clients  domain.ClientSource
	prices   PriceSource
	bus      domain.SignalBus   // nil disables change events
	locks    domain.LockManager // nil disables the multi-instance resync guard
	notifier *notify.Notifier   // nil disables operator alerts
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	stable map[string]bool

	mu      sync.Mutex
	entries map[string]*entry

	resyncing atomic.Bool
}

// New creates a Reconciler. trades, bus, locks, and notifier may be nil.
func New(
	store domain.PortfolioStore,
	trades domain.TradeStore,
	clients domain.ClientSource,
	prices PriceSource,
	bus domain.SignalBus,
	locks domain.LockManager,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USDT"
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 5 * time.Minute
	}
	if cfg.ResyncBatchSize < 1 {
		cfg.ResyncBatchSize = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	stable := make(map[string]bool, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stable[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	return &Reconciler{
		store:    store,
		trades:   trades,
		clients:  clients,
		prices:   prices,
		bus:      bus,
		locks:    locks,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconciler")),
		now:      time.Now,
		stable:   stable,
		entries:  make(map[string]*entry),
	}
}

// GetOrCreate returns the user's portfolio, loading it from the store or
// creating a zero-state one on first access. Idempotent.
func (r *Reconciler) GetOrCreate(ctx context.Context, userID, baseCurrency string) (*domain.Portfolio, error) {
	e, err := r.entry(ctx, userID, baseCurrency)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePortfolio(e.p), nil
}

// entry returns the in-memory entry for userID, hydrating from the store on
// miss and persisting a fresh zero-state portfolio for unknown users.
func (r *Reconciler) entry(ctx context.Context, userID, baseCurrency string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p != nil {
		return e, nil
	}

	p, err := r.store.Load(ctx, userID)
	switch {
	case err == nil:
		if p.Holdings == nil {
			p.Holdings = make(map[string]*domain.Holding)
		}
		e.p = p
	case errors.Is(err, domain.ErrNotFound):
		if baseCurrency == "" {
			baseCurrency = r.cfg.BaseCurrency
		}
		now := r.now()
		e.p = &domain.Portfolio{
			UserID:       userID,
			BaseCurrency: baseCurrency,
			Holdings:     make(map[string]*domain.Holding),
			SyncStatus:   domain.SyncIdle,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.store.Save(ctx, e.p); err != nil {
			e.p = nil
			return nil, fmt.Errorf("portfolio: create %s: %w", userID, err)
		}
		r.logger.InfoContext(ctx, "portfolio created",
			slog.String("user_id", userID),
			slog.String("base_currency", baseCurrency),
		)
	default:
		return nil, fmt.Errorf("portfolio: load %s: %w", userID, err)
	}
	return e, nil
}

// holding returns the user's holding for asset, creating it on first use.
// Holdings are never implicitly deleted; a fully sold position remains with
// zero amount.
func holding(p *domain.Portfolio, asset string) *domain.Holding {
	h, ok := p.Holdings[asset]
	if !ok {
		h = &domain.Holding{
			Asset:      asset,
			ByExchange: make(map[string]float64),
		}
		p.Holdings[asset] = h
	}
	return h
}

// ApplyTrade mutates the base-asset holding per the cost-basis rules: buys
// add amount and amount*price+fee of cost; sells release a proportional
// share of cost basis and realize P&L against the proceeds. Delivery is
// at-least-once upstream; replay suppression is the trade feed's job, not
// performed here.
func (r *Reconciler) ApplyTrade(ctx context.Context, fill domain.TradeFill) error {
	if fill.Amount <= 0 {
		return fmt.Errorf("portfolio: apply trade %s: amount must be positive", fill.Identity())
	}

	e, err := r.entry(ctx, fill.UserID, "")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.p
	h := holding(p, fill.Base)

	var realized float64
	switch fill.Side {
	case domain.TradeBuy:
		h.TotalAmount += fill.Amount
		h.AvailableAmount += fill.Amount
		h.CostBasis += fill.Proceeds() + fill.Fee
	case domain.TradeSell:
		ratio := 1.0
		if h.TotalAmount > 0 && fill.Amount < h.TotalAmount {
			ratio = fill.Amount / h.TotalAmount
		}
		released := h.CostBasis * ratio
		realized = fill.Proceeds() - fill.Fee - released
		h.RealizedPnL += realized
		h.CostBasis -= released
		if h.CostBasis < 0 {
			h.CostBasis = 0
		}
		h.TotalAmount -= fill.Amount
		if h.TotalAmount < 0 {
			h.TotalAmount = 0
		}
		h.AvailableAmount -= fill.Amount
		if h.AvailableAmount < 0 {
			h.AvailableAmount = 0
		}
	default:
		return fmt.Errorf("portfolio: apply trade %s: unknown side %q", fill.Identity(), fill.Side)
	}

	if fill.Price > 0 {
		h.CurrentPrice = fill.Price
	}
	now := r.now()
	h.UpdatedAt = now
	r.revalue(p)
	p.UpdatedAt = now

	if r.trades != nil {
		if err := r.trades.Insert(ctx, fill); err != nil {
			return fmt.Errorf("portfolio: record trade %s: %w", fill.Identity(), err)
		}
	}
	if err := r.store.Save(ctx, p); err != nil {
		return fmt.Errorf("portfolio: save %s: %w", fill.UserID, err)
	}

	r.logger.InfoContext(ctx, "trade applied",
		slog.String("user_id", fill.UserID),
		slog.String("asset", fill.Base),
		slog.String("side", string(fill.Side)),
		slog.Float64("amount", fill.Amount),
		slog.Float64("price", fill.Price),
		slog.Float64("realized_pnl", realized),
	)
	r.publish(ctx, p, "trade_applied")
	return nil
}

// balanceReport is one exchange's answer during resync.
type balanceReport struct {
	exchange string
	balances []domain.Balance
	err      error
}

// Resync reconciles holdings against live exchange-reported balances, prices
// every asset, and recomputes valuations. Per-exchange failures are recorded
// in SyncErrors; the portfolio ends up in error state only when every
// connected exchange failed.
func (r *Reconciler) Resync(ctx context.Context, userID string) (*domain.Portfolio, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "resync:"+userID, 2*time.Minute)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, fmt.Errorf("portfolio: resync %s: %w", userID, domain.ErrSyncInProgress)
			}
			return nil, fmt.Errorf("portfolio: resync %s: %w", userID, err)
		}
		defer unlock()
	}

	e, err := r.entry(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.p.SyncStatus == domain.SyncRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("portfolio: resync %s: %w", userID, domain.ErrSyncInProgress)
	}
	e.p.SyncStatus = domain.SyncRunning
	e.p.SyncErrors = nil
	exchanges := r.clients.UserExchanges(userID)
	e.mu.Unlock()

	// Fan out the balance fetches; merge only after every exchange settled.
	reports := make([]balanceReport, len(exchanges))
	g, gctx := errgroup.WithContext(ctx)
	for i, exchange := range exchanges {
		g.Go(func() error {
			reports[i] = r.fetchBalances(gctx, userID, exchange)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.p
	now := r.now()

	// Locked amounts are rebuilt from the successful reports.
	for _, h := range p.Holdings {
		h.LockedAmount = 0
	}

	reported := make(map[string]bool, len(reports))
	var failed []domain.ExchangeError
	for _, rep := range reports {
		if rep.err != nil {
			failed = append(failed, domain.ExchangeError{Exchange: rep.exchange, Err: rep.err})
			p.SyncErrors = append(p.SyncErrors, rep.exchange+": "+rep.err.Error())
			continue
		}
		reported[rep.exchange] = true
	}

	// A holding's cross-exchange total is recomputed only when a successful
	// report covers it: its asset appears in a report, or its sub-balance
	// sits on an exchange that reported. Trade-derived holdings no exchange
	// reports on keep their applied amounts, and a resync with zero
	// reporting exchanges leaves every total untouched.
	covered := make(map[string]bool, len(p.Holdings))
	for asset, h := range p.Holdings {
		for exchange := range h.ByExchange {
			if reported[exchange] {
				covered[asset] = true
				break
			}
		}
	}
	for _, rep := range reports {
		if rep.err != nil {
			continue
		}
		for _, b := range rep.balances {
			if b.Total() != 0 {
				covered[b.Asset] = true
			}
		}
		r.mergeBalances(p, rep)
	}

	// Exchanges that failed keep their last-known sub-balance contribution.
	for asset, h := range p.Holdings {
		if covered[asset] {
			var total float64
			for _, amount := range h.ByExchange {
				total += amount
			}
			h.TotalAmount = total
		}
		if h.LockedAmount > h.TotalAmount {
			h.LockedAmount = h.TotalAmount
		}
		h.AvailableAmount = h.TotalAmount - h.LockedAmount
		h.UpdatedAt = now
	}

	r.priceHoldings(ctx, p)
	r.revalue(p)
	appendDailyPoint(p, now)

	switch {
	case len(exchanges) > 0 && len(failed) == len(exchanges):
		p.SyncStatus = domain.SyncFailed
	default:
		p.SyncStatus = domain.SyncSynced
	}
	p.LastSyncAt = now
	p.UpdatedAt = now

	if err := r.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("portfolio: save %s: %w", userID, err)
	}

	if len(failed) > 0 {
		partial := &domain.PartialSyncError{Failed: failed}
		r.logger.WarnContext(ctx, "resync finished with failures",
			slog.String("user_id", userID),
			slog.String("status", string(p.SyncStatus)),
			slog.String("detail", partial.Error()),
		)
		if r.notifier != nil && p.SyncStatus == domain.SyncFailed {
			_ = r.notifier.Notify(ctx, notify.EventSyncFailed, "Portfolio sync failed",
				fmt.Sprintf("user %s: %s", userID, partial.Error()))
		}
	} else {
		r.logger.InfoContext(ctx, "resync done",
			slog.String("user_id", userID),
			slog.Int("exchanges", len(exchanges)),
			slog.Float64("total_value", p.TotalValue.Current),
		)
	}

	r.publish(ctx, p, "resync")
	return clonePortfolio(p), nil
}

// fetchBalances performs one exchange's balance fetch, bounded by the
// request timeout, reporting the outcome to connection health.
func (r *Reconciler) fetchBalances(ctx context.Context, userID, exchange string) balanceReport {
	client, err := r.clients.UserClient(userID, exchange)
	if err != nil {
		return balanceReport{exchange: exchange, err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	balances, err := client.FetchBalances(ctx)
	r.clients.ReportHealth(userID, exchange, err)
	if err != nil {
		return balanceReport{exchange: exchange, err: err}
	}
	return balanceReport{exchange: exchange, balances: balances}
}

// mergeBalances replaces one exchange's sub-balances with its live report.
// Cost-basis history is exchange truth's complement and is left untouched.
func (r *Reconciler) mergeBalances(p *domain.Portfolio, rep balanceReport) {
	for _, h := range p.Holdings {
		delete(h.ByExchange, rep.exchange)
	}
	for _, b := range rep.balances {
		if b.Total() == 0 {
			continue
		}
		h := holding(p, b.Asset)
		h.ByExchange[rep.exchange] = b.Total()
		h.LockedAmount += b.Locked
	}
}

// priceHoldings refreshes CurrentPrice for every held asset. Base-currency,
// stablecoin, and fiat assets are valued 1:1; anything else is priced via
// the aggregator against the base currency. A failed lookup keeps the last
// known price and is recorded as a sync error.
func (r *Reconciler) priceHoldings(ctx context.Context, p *domain.Portfolio) {
	for asset, h := range p.Holdings {
		if asset == p.BaseCurrency || r.stable[asset] || fiatAssets[asset] {
			h.CurrentPrice = 1
			continue
		}
		if h.TotalAmount <= 0 {
			continue
		}

		symbol := asset + "/" + p.BaseCurrency
		result, err := r.prices.GetUnified(ctx, symbol, domain.QuoteTicker)
		if err != nil || result.Unified == nil {
			p.SyncErrors = append(p.SyncErrors,
				fmt.Sprintf("pricing %s: %v", asset, domain.ErrPricingUnavailable))
			r.logger.WarnContext(ctx, "pricing unavailable, keeping last price",
				slog.String("user_id", p.UserID),
				slog.String("asset", asset),
			)
			continue
		}
		h.CurrentPrice = result.Unified.AvgPrice
	}
}

// publish pushes a portfolio change event to the notifier boundary.
func (r *Reconciler) publish(ctx context.Context, p *domain.Portfolio, reason string) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"user_id":     p.UserID,
		"reason":      reason,
		"sync_status": p.SyncStatus,
		"total_value": p.TotalValue.Current,
		"cost_basis":  p.TotalValue.CostBasis,
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelPortfolio, payload); err != nil {
		r.logger.WarnContext(ctx, "publish portfolio event failed",
			slog.String("user_id", p.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Read-only projections
// ---------------------------------------------------------------------------

// GetSummary returns the portfolio summary projection.
func (r *Reconciler) GetSummary(ctx context.Context, userID string) (domain.PortfolioSummary, error) {
	e, err := r.entry(ctx, userID, "")
	if err != nil {
		return domain.PortfolioSummary{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.p

	var realized float64
	for _, h := range p.Holdings {
		realized += h.RealizedPnL
	}

	s := domain.PortfolioSummary{
		UserID:            p.UserID,
		BaseCurrency:      p.BaseCurrency,
		TotalValue:        p.TotalValue.Current,
		CostBasis:         p.TotalValue.CostBasis,
		UnrealizedPnL:     p.TotalValue.Current - p.TotalValue.CostBasis,
		RealizedPnL:       realized,
		HoldingCount:      len(p.Holdings),
		AllocationByAsset: copyFloatMap(p.AllocationByAsset),
		AllocationByClass: copyClassMap(p.AllocationByClass),
		Diversification:   p.Diversification,
		SyncStatus:        p.SyncStatus,
		SyncErrors:        append([]string(nil), p.SyncErrors...),
		LastSyncAt:        p.LastSyncAt,
	}
	if p.TotalValue.CostBasis > 0 {
		s.UnrealizedPnLPct = s.UnrealizedPnL / p.TotalValue.CostBasis * 100
	}
	return s, nil
}

// GetHoldings returns the user's holdings matching the filter, sorted by
// current value, largest first.
func (r *Reconciler) GetHoldings(ctx context.Context, userID string, filter domain.HoldingFilter) ([]domain.Holding, error) {
	e, err := r.entry(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(filter.Assets))
	for _, a := range filter.Assets {
		wanted[strings.ToUpper(strings.TrimSpace(a))] = true
	}

	e.mu.Lock()
	var out []domain.Holding
	for asset, h := range e.p.Holdings {
		if len(wanted) > 0 && !wanted[asset] {
			continue
		}
		if filter.Exchange != "" {
			if _, ok := h.ByExchange[filter.Exchange]; !ok {
				continue
			}
		}
		if filter.HideZero && h.TotalAmount == 0 {
			continue
		}
		if filter.MinValue > 0 && h.CurrentValue < filter.MinValue {
			continue
		}
		out = append(out, *cloneHolding(h))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentValue != out[j].CurrentValue {
			return out[i].CurrentValue > out[j].CurrentValue
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

// GetPerformanceHistory returns up to days of the daily performance series,
// most recent last.
func (r *Reconciler) GetPerformanceHistory(ctx context.Context, userID string, days int) ([]domain.PerformancePoint, error) {
	e, err := r.entry(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	points := e.p.Performance
	if days > 0 && len(points) > days {
		points = points[len(points)-days:]
	}
	return append([]domain.PerformancePoint(nil), points...), nil
}

// ---------------------------------------------------------------------------
// Background resync loop
// ---------------------------------------------------------------------------

// Run drives the background resync loop until ctx is cancelled. Each tick
// resyncs a bounded batch of portfolios that are not already syncing; a slow
// batch is never double-scheduled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ResyncInterval)
	defer ticker.Stop()

	r.logger.Info("resync loop started",
		slog.Duration("interval", r.cfg.ResyncInterval),
		slog.Int("batch_size", r.cfg.ResyncBatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.resyncing.CompareAndSwap(false, true) {
				r.logger.Warn("previous resync batch still running, skipping tick")
				continue
			}
			r.resyncBatch(ctx)
			r.resyncing.Store(false)
		}
	}
}

func (r *Reconciler) resyncBatch(ctx context.Context) {
	userIDs, err := r.store.ListUserIDs(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list portfolios failed", slog.String("error", err.Error()))
		return
	}
	sort.Strings(userIDs)

	var done int
	for _, userID := range userIDs {
		if ctx.Err() != nil || done >= r.cfg.ResyncBatchSize {
			return
		}
		if _, err := r.Resync(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrSyncInProgress) {
				continue
			}
			r.logger.WarnContext(ctx, "background resync failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		done++
	}
}
