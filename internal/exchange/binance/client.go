// Package binance adapts the Binance spot API to the venue-facing port.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// Config carries Binance client parameters.
type Config struct {
	Testnet    bool
	RatePerSec float64
	Burst      int
}

// Client wraps the go-binance spot client. Empty credentials yield a
// public-data client; authenticated calls then fail upstream.
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
}

var _ domain.ExchangeClient = (*Client)(nil)

// New builds a Binance client.
func New(cfg Config, creds domain.Credentials, sandbox bool) *Client {
	if cfg.Testnet || sandbox {
		// UseTestnet is package-global in the SDK; every client in the
		// process shares it.
		binance.UseTestnet = true
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		api:     binance.NewClient(creds.APIKey, creds.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name implements domain.ExchangeClient.
func (c *Client) Name() string { return "binance" }

// TestConnection verifies the credentials with an account fetch.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.NewGetAccountService().Do(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// FetchBalances returns all non-zero spot balances.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]domain.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseF(b.Free)
		locked := parseF(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// FetchTicker returns the 24h rolling ticker for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Ticker{}, err
	}
	stats, err := c.api.NewListPriceChangeStatsService().Symbol(venueSymbol(symbol)).Do(ctx)
	if err != nil {
		return domain.Ticker{}, mapErr(err)
	}
	if len(stats) == 0 {
		return domain.Ticker{}, fmt.Errorf("binance: ticker %s: %w", symbol, domain.ErrNoData)
	}

	s := stats[0]
	return domain.Ticker{
		Exchange:    "binance",
		Symbol:      symbol,
		Last:        parseF(s.LastPrice),
		Bid:         parseF(s.BidPrice),
		Ask:         parseF(s.AskPrice),
		High:        parseF(s.HighPrice),
		Low:         parseF(s.LowPrice),
		Volume:      parseF(s.Volume),
		QuoteVolume: parseF(s.QuoteVolume),
		ChangePct:   parseF(s.PriceChangePercent),
		Timestamp:   time.UnixMilli(s.CloseTime),
	}, nil
}

// FetchOrderBook returns a depth snapshot with up to depth levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.OrderBook{}, err
	}
	res, err := c.api.NewDepthService().Symbol(venueSymbol(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return domain.OrderBook{}, mapErr(err)
	}

	book := domain.OrderBook{
		Exchange:  "binance",
		Symbol:    symbol,
		Bids:      make([]domain.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]domain.PriceLevel, 0, len(res.Asks)),
		Timestamp: time.Now().UTC(),
	}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: parseF(b.Price), Qty: parseF(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, domain.PriceLevel{Price: parseF(a.Price), Qty: parseF(a.Quantity)})
	}
	return book, nil
}

// FetchTrades returns the most recent public trades.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	trades, err := c.api.NewRecentTradesService().Symbol(venueSymbol(symbol)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]domain.PublicTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, domain.PublicTrade{
			Exchange:     "binance",
			Symbol:       symbol,
			ID:           strconv.FormatInt(t.ID, 10),
			Price:        parseF(t.Price),
			Qty:          parseF(t.Quantity),
			IsBuyerMaker: t.IsBuyerMaker,
			Timestamp:    time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// FetchCandles returns OHLCV bars. Binance accepts the generic interval
// spelling ("1m", "1h", "1d") natively.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := c.api.NewKlinesService().Symbol(venueSymbol(symbol)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, domain.Candle{
			Exchange:  "binance",
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

// FetchSymbols returns all spot symbols and their trading status.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	out := make([]domain.SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, domain.SymbolInfo{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		})
	}
	return out, nil
}

// Close implements domain.ExchangeClient. The REST client holds no
// long-lived resources.
func (c *Client) Close() error { return nil }

// venueSymbol renders "BTC/USDT" in Binance's "BTCUSDT" spelling.
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// mapErr translates SDK errors into the shared taxonomy.
func mapErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("binance: %w: %s", domain.ErrRateLimited, apiErr.Message)
		case -1022, -2014, -2015:
			return fmt.Errorf("binance: %w: %s", domain.ErrInvalidCredentials, apiErr.Message)
		}
		return fmt.Errorf("binance: api error %d: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("binance: %w", err)
}
