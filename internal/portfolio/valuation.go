package portfolio

import (
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// maxPerformancePoints bounds the daily history kept per portfolio.
const maxPerformancePoints = 365

// fiatAssets is the static fiat classification set. Stablecoins come from
// configuration.
var fiatAssets = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"JPY": true,
	"CHF": true,
	"AUD": true,
	"CAD": true,
}

// classify buckets an asset for allocation reporting.
func (r *Reconciler) classify(asset string) domain.AssetClass {
	switch {
	case fiatAssets[asset]:
		return domain.AssetFiat
	case r.stable[asset]:
		return domain.AssetStablecoin
	default:
		return domain.AssetCrypto
	}
}

// revalue recomputes per-holding values, portfolio totals, allocations, and
// the diversification score from current prices. Caller holds the entry
// lock.
func (r *Reconciler) revalue(p *domain.Portfolio) {
	var totalValue, totalCost float64
	for _, h := range p.Holdings {
		h.CurrentValue = h.TotalAmount * h.CurrentPrice
		h.UnrealizedPnL = h.CurrentValue - h.CostBasis
		totalValue += h.CurrentValue
		totalCost += h.CostBasis
	}
	p.TotalValue = domain.ValueTotals{Current: totalValue, CostBasis: totalCost}

	p.AllocationByAsset = make(map[string]float64, len(p.Holdings))
	p.AllocationByClass = make(map[domain.AssetClass]float64, 3)
	if totalValue <= 0 {
		p.Diversification = 0
		return
	}

	var sumSquares float64
	for asset, h := range p.Holdings {
		if h.CurrentValue <= 0 {
			continue
		}
		share := h.CurrentValue / totalValue
		p.AllocationByAsset[asset] = share * 100
		p.AllocationByClass[r.classify(asset)] += share * 100
		sumSquares += share * share
	}

	// 100*(1 - Herfindahl): 0 when everything sits in one asset,
	// approaching 100 as holdings spread out.
	p.Diversification = 100 * (1 - sumSquares)
}

// appendDailyPoint appends one performance point when the UTC date has
// rolled over since the last recorded point. Caller holds the entry lock.
func appendDailyPoint(p *domain.Portfolio, now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	if n := len(p.Performance); n > 0 && !p.Performance[n-1].Date.Before(today) {
		return
	}

	pnl := p.TotalValue.Current - p.TotalValue.CostBasis
	point := domain.PerformancePoint{
		Date:  today,
		Value: p.TotalValue.Current,
		PnL:   pnl,
	}
	if p.TotalValue.CostBasis > 0 {
		point.PnLPct = pnl / p.TotalValue.CostBasis * 100
	}

	p.Performance = append(p.Performance, point)
	if len(p.Performance) > maxPerformancePoints {
		p.Performance = p.Performance[len(p.Performance)-maxPerformancePoints:]
	}
}

// clonePortfolio returns a deep copy so callers never share mutable state
// with the reconciler.
func clonePortfolio(p *domain.Portfolio) *domain.Portfolio {
	out := *p
	out.Holdings = make(map[string]*domain.Holding, len(p.Holdings))
	for asset, h := range p.Holdings {
		out.Holdings[asset] = cloneHolding(h)
	}
	out.AllocationByAsset = copyFloatMap(p.AllocationByAsset)
	out.AllocationByClass = copyClassMap(p.AllocationByClass)
	out.Performance = append([]domain.PerformancePoint(nil), p.Performance...)
	out.SyncErrors = append([]string(nil), p.SyncErrors...)
	return &out
}

func cloneHolding(h *domain.Holding) *domain.Holding {
	out := *h
	out.ByExchange = copyFloatMap(h.ByExchange)
	return &out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyClassMap(in map[domain.AssetClass]float64) map[domain.AssetClass]float64 {
	out := make(map[domain.AssetClass]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
