package marketdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/exchange/sim"
)

func TestGetArbitrageDetectsGap(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50190, Ask: 50210, Volume: 100})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	opps, err := agg.GetArbitrage(context.Background(), "BTC/USDT", 0.1)
	require.NoError(t, err)
	require.Len(t, opps, 1, "only the a→b direction is profitable")

	opp := opps[0]
	assert.Equal(t, "a", opp.BuyExchange)
	assert.Equal(t, "b", opp.SellExchange)
	assert.Equal(t, 50010.0, opp.BuyPrice)
	assert.Equal(t, 50190.0, opp.SellPrice)
	assert.InDelta(t, 180, opp.Profit, 1e-9)
	assert.InDelta(t, 0.36, opp.ProfitPct, 0.005)
	assert.NotEmpty(t, opp.ID)
}

func TestGetArbitrageThreshold(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50010, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50190, Ask: 50210, Volume: 100})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{MinArbitrageProfitPct: 0.5})

	// The 0.36% gap is below the explicit 0.5% threshold.
	opps, err := agg.GetArbitrage(context.Background(), "BTC/USDT", 0.5)
	require.NoError(t, err)
	assert.Empty(t, opps)

	// Negative threshold falls back to the configured default (0.5%).
	opps, err = agg.GetArbitrage(context.Background(), "BTC/USDT", -1)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestGetArbitrageSortedByProfitPct(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 50000, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50200, Ask: 50250, Volume: 100})
	c := sim.New(sim.Config{Name: "c"})
	c.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50500, Bid: 50500, Ask: 50550, Volume: 100})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b, "c": c}, Config{})

	opps, err := agg.GetArbitrage(context.Background(), "BTC/USDT", 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, opps)

	for i := 1; i < len(opps); i++ {
		assert.GreaterOrEqual(t, opps[i-1].ProfitPct, opps[i].ProfitPct, "results must be sorted best first")
	}
	// The widest gap is buy a (ask 50000) → sell c (bid 50500).
	assert.Equal(t, "a", opps[0].BuyExchange)
	assert.Equal(t, "c", opps[0].SellExchange)
	assert.InDelta(t, 1.0, opps[0].ProfitPct, 1e-9)
}

func TestGetArbitrageSkipsOneSidedQuotes(t *testing.T) {
	a := sim.New(sim.Config{Name: "a"})
	a.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50000, Bid: 49990, Ask: 0, Volume: 100})
	b := sim.New(sim.Config{Name: "b"})
	b.SetTicker(domain.Ticker{Symbol: "BTC/USDT", Last: 50200, Bid: 50190, Ask: 50210, Volume: 100})

	agg := newTestAggregator(t, map[string]*sim.Client{"a": a, "b": b}, Config{})

	opps, err := agg.GetArbitrage(context.Background(), "BTC/USDT", 0.1)
	require.NoError(t, err)
	assert.Empty(t, opps, "venues without a two-sided quote are not comparable")
}
