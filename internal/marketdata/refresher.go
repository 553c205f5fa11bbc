package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/notify"
)

// RefresherConfig carries background-refresh parameters.
type RefresherConfig struct {
	// Interval between watch-list sweeps.
	Interval time.Duration
	// Symbols is the watch-list kept warm by the refresher.
	Symbols []string
	// MinProfitPct is the arbitrage alert threshold.
	MinProfitPct float64
}

// Refresher keeps the watch-list symbols warm on a fixed cadence and pushes
// the resulting unified quotes and arbitrage hits to the notifier boundary.
// This decouples hot-symbol freshness from on-demand reader latency.
type Refresher struct {
	agg      *Aggregator
	bus      domain.SignalBus
	mirror   domain.QuoteMirror // nil disables the cross-instance mirror
	notifier *notify.Notifier   // nil disables operator alerts
	cfg      RefresherConfig
	logger   *slog.Logger

	sweeping atomic.Bool
}

// NewRefresher creates a Refresher. mirror and notifier may be nil.
func NewRefresher(agg *Aggregator, bus domain.SignalBus, mirror domain.QuoteMirror, notifier *notify.Notifier, cfg RefresherConfig, logger *slog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Refresher{
		agg:      agg,
		bus:      bus,
		mirror:   mirror,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "refresher")),
	}
}

// Run drives the sweep loop until ctx is cancelled. A slow sweep is never
// double-scheduled: ticks that land while one is in flight are skipped.
func (r *Refresher) Run(ctx context.Context) error {
	if len(r.cfg.Symbols) == 0 {
		r.logger.Info("refresher idle, no watch symbols configured")
		<-ctx.Done()
		return ctx.Err()
	}

	r.logger.Info("refresher started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("symbols", len(r.cfg.Symbols)),
	)

	// First sweep immediately so subscribers see data before the first tick.
	r.trySweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.trySweep(ctx)
		}
	}
}

func (r *Refresher) trySweep(ctx context.Context) {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.Warn("previous sweep still running, skipping tick")
		return
	}
	defer r.sweeping.Store(false)
	r.sweep(ctx)
}

// sweep refreshes every watch symbol and publishes the results.
func (r *Refresher) sweep(ctx context.Context) {
	start := time.Now()
	for _, symbol := range r.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		r.refreshSymbol(ctx, symbol)
	}
	r.logger.Debug("sweep done",
		slog.Int("symbols", len(r.cfg.Symbols)),
		slog.Duration("took", time.Since(start)),
	)
}

func (r *Refresher) refreshSymbol(ctx context.Context, symbol string) {
	result, err := r.agg.GetUnified(ctx, symbol, domain.QuoteTicker)
	if err != nil {
		r.logger.WarnContext(ctx, "refresh failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	if result.Unified != nil {
		r.publishQuote(ctx, *result.Unified)
	}

	opps, err := r.agg.GetArbitrage(ctx, symbol, r.cfg.MinProfitPct)
	if err != nil {
		return // unified just succeeded; only a cancellation gets us here
	}
	for _, opp := range opps {
		r.publishOpportunity(ctx, opp)
	}
}

func (r *Refresher) publishQuote(ctx context.Context, u domain.UnifiedTicker) {
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelQuotes, payload); err != nil {
		r.logger.WarnContext(ctx, "publish quote failed",
			slog.String("symbol", u.Symbol),
			slog.String("error", err.Error()),
		)
	}
	if r.mirror != nil {
		if err := r.mirror.SetUnified(ctx, u); err != nil {
			r.logger.WarnContext(ctx, "mirror update failed",
				slog.String("symbol", u.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Refresher) publishOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity) {
	payload, err := json.Marshal(opp)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelArbitrage, payload); err != nil {
		r.logger.WarnContext(ctx, "publish arbitrage failed",
			slog.String("symbol", opp.Symbol),
			slog.String("error", err.Error()),
		)
	}

	r.logger.InfoContext(ctx, "arbitrage detected",
		slog.String("symbol", opp.Symbol),
		slog.String("buy", opp.BuyExchange),
		slog.String("sell", opp.SellExchange),
		slog.Float64("profit_pct", opp.ProfitPct),
	)

	if r.notifier != nil {
		msg := fmt.Sprintf("%s: buy %s @ %.4f, sell %s @ %.4f (%.2f%%)",
			opp.Symbol, opp.BuyExchange, opp.BuyPrice, opp.SellExchange, opp.SellPrice, opp.ProfitPct)
		_ = r.notifier.Notify(ctx, notify.EventArbDetected, "Arbitrage opportunity", msg)
	}
}
