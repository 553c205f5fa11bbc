package marketdata

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// GetArbitrage compares every ordered exchange pair for symbol: buy at one
// venue's ask, sell into another venue's bid. Opportunities below
// minProfitPct are dropped; pass a negative threshold to use the configured
// default. Results are sorted by profit percentage, best first.
func (a *Aggregator) GetArbitrage(ctx context.Context, symbol string, minProfitPct float64) ([]domain.ArbitrageOpportunity, error) {
	if minProfitPct < 0 {
		minProfitPct = a.cfg.MinArbitrageProfitPct
	}

	result, err := a.GetUnified(ctx, symbol, domain.QuoteTicker)
	if err != nil {
		return nil, err
	}

	// Pull out the venues with a usable two-sided quote.
	type venue struct {
		name string
		bid  float64
		ask  float64
	}
	venues := make([]venue, 0, len(result.ByExchange))
	for name, q := range result.ByExchange {
		t := q.Ticker
		if t == nil || t.Bid <= 0 || t.Ask <= 0 {
			continue
		}
		venues = append(venues, venue{name: name, bid: t.Bid, ask: t.Ask})
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i].name < venues[j].name })

	now := a.now()
	var opps []domain.ArbitrageOpportunity
	for _, buy := range venues {
		for _, sell := range venues {
			if buy.name == sell.name {
				continue
			}
			profit := sell.bid - buy.ask
			if profit <= 0 {
				continue
			}
			profitPct := profit / buy.ask * 100
			if profitPct < minProfitPct {
				continue
			}
			opps = append(opps, domain.ArbitrageOpportunity{
				ID:           uuid.New().String(),
				Symbol:       symbol,
				BuyExchange:  buy.name,
				SellExchange: sell.name,
				BuyPrice:     buy.ask,
				SellPrice:    sell.bid,
				Profit:       profit,
				ProfitPct:    profitPct,
				DetectedAt:   now,
			})
		}
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].ProfitPct > opps[j].ProfitPct })
	return opps, nil
}
