// Package sim provides a deterministic in-memory exchange used by tests and
// the "sim" venue entry. Prices, balances, and failure behaviour are fully
// scriptable.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// Config seeds a sim client.
type Config struct {
	// Name reported by the client. Defaults to "sim"; tests that model two
	// venues give each a distinct name.
	Name string
	// Prices maps symbol to last price. Bid/ask are derived from Spread.
	Prices map[string]float64
	// Spread is the absolute bid/ask half-width around the last price.
	Spread float64
	// Balances returned by FetchBalances.
	Balances []domain.Balance
}

// Client is a scriptable in-memory ExchangeClient.
type Client struct {
	name   string
	spread float64

	mu       sync.RWMutex
	prices   map[string]float64
	quotes   map[string]domain.Ticker // explicit overrides, win over prices
	balances []domain.Balance
	err      error

	fetches atomic.Int64
	closed  atomic.Bool
}

var _ domain.ExchangeClient = (*Client)(nil)

// New builds a sim client from cfg.
func New(cfg Config) *Client {
	name := cfg.Name
	if name == "" {
		name = "sim"
	}
	prices := make(map[string]float64, len(cfg.Prices))
	for s, p := range cfg.Prices {
		prices[s] = p
	}
	return &Client{
		name:     name,
		spread:   cfg.Spread,
		prices:   prices,
		quotes:   make(map[string]domain.Ticker),
		balances: append([]domain.Balance(nil), cfg.Balances...),
	}
}

// SetPrice updates the last price for a symbol.
func (c *Client) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	delete(c.quotes, symbol)
}

// SetTicker installs an explicit ticker for a symbol, overriding the derived
// bid/ask. Used by tests that need exact book edges.
func (c *Client) SetTicker(t domain.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[t.Symbol] = t
}

// SetBalances replaces the reported balances.
func (c *Client) SetBalances(balances []domain.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = append([]domain.Balance(nil), balances...)
}

// Fail makes every subsequent call return err. Pass nil to heal.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Fetches returns how many upstream calls have been issued. Tests use this
// to assert cache hits and single-flight coalescing.
func (c *Client) Fetches() int64 { return c.fetches.Load() }

// Closed reports whether Close has been called.
func (c *Client) Closed() bool { return c.closed.Load() }

// Name implements domain.ExchangeClient.
func (c *Client) Name() string { return c.name }

// TestConnection implements domain.ExchangeClient.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.FetchBalances(ctx)
	return err
}

// FetchBalances returns the scripted balances.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Balance(nil), c.balances...), nil
}

// FetchTicker returns the scripted ticker for a symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := c.begin(ctx); err != nil {
		return domain.Ticker{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if t, ok := c.quotes[symbol]; ok {
		t.Exchange = c.name
		t.Timestamp = time.Now().UTC()
		return t, nil
	}

	last, ok := c.prices[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("%s: ticker %s: %w", c.name, symbol, domain.ErrNoData)
	}
	return domain.Ticker{
		Exchange:  c.name,
		Symbol:    symbol,
		Last:      last,
		Bid:       last - c.spread,
		Ask:       last + c.spread,
		High:      last,
		Low:       last,
		Volume:    100,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchOrderBook returns a two-level book around the last price.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	t, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return domain.OrderBook{}, err
	}
	book := domain.OrderBook{
		Exchange:  c.name,
		Symbol:    symbol,
		Timestamp: t.Timestamp,
	}
	step := c.spread
	if step <= 0 {
		step = t.Last * 0.0001
	}
	if depth < 1 {
		depth = 1
	}
	for i := 0; i < depth; i++ {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: t.Bid - float64(i)*step, Qty: 1})
		book.Asks = append(book.Asks, domain.PriceLevel{Price: t.Ask + float64(i)*step, Qty: 1})
	}
	return book, nil
}

// FetchTrades returns synthetic prints at the last price.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error) {
	t, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	out := make([]domain.PublicTrade, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, domain.PublicTrade{
			Exchange:  c.name,
			Symbol:    symbol,
			ID:        strconv.Itoa(i),
			Price:     t.Last,
			Qty:       1,
			Timestamp: t.Timestamp,
		})
	}
	return out, nil
}

// FetchCandles returns flat bars at the last price.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	t, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	step, err := time.ParseDuration(interval)
	if err != nil {
		step = time.Hour
	}
	out := make([]domain.Candle, 0, limit)
	open := t.Timestamp.Add(-time.Duration(limit) * step)
	for i := 0; i < limit; i++ {
		out = append(out, domain.Candle{
			Exchange:  c.name,
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  open,
			Open:      t.Last,
			High:      t.Last,
			Low:       t.Last,
			Close:     t.Last,
			Volume:    1,
			CloseTime: open.Add(step),
		})
		open = open.Add(step)
	}
	return out, nil
}

// FetchSymbols lists every symbol with a scripted price.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.SymbolInfo, 0, len(c.prices))
	for s := range c.prices {
		base, quote := splitSymbol(s)
		out = append(out, domain.SymbolInfo{Symbol: s, Base: base, Quote: quote, Active: true})
	}
	return out, nil
}

// Close implements domain.ExchangeClient.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// begin counts the call and applies the scripted failure.
func (c *Client) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.fetches.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return fmt.Errorf("%s: %w", c.name, c.err)
	}
	return nil
}

func splitSymbol(s string) (base, quote string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
