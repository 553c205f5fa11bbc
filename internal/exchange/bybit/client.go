// Package bybit adapts the Bybit v5 unified trading API to the venue-facing
// port.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

const testnetBaseURL = "https://api-testnet.bybit.com"

// Config carries Bybit client parameters.
type Config struct {
	BaseURL    string
	RatePerSec float64
	Burst      int
}

// Client wraps the bybit.go.api UTA client. The SDK returns results as
// untyped JSON, so every call re-marshals Result into a local struct.
type Client struct {
	api     *bybit.Client
	limiter *rate.Limiter
}

var _ domain.ExchangeClient = (*Client)(nil)

// New builds a Bybit client. Empty credentials yield a public-data client.
func New(cfg Config, creds domain.Credentials, sandbox bool) *Client {
	base := cfg.BaseURL
	if sandbox {
		base = testnetBaseURL
	}
	if base == "" {
		base = "https://api.bybit.com"
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
		api:     bybit.NewBybitHttpClient(creds.APIKey, creds.APISecret, bybit.WithBaseURL(base)),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name implements domain.ExchangeClient.
func (c *Client) Name() string { return "bybit" }

// TestConnection verifies the credentials with a wallet-balance fetch.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.FetchBalances(ctx)
	return err
}

// FetchBalances returns all non-zero balances of the unified account.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}

	var result struct {
		List []struct {
			AccountType string `json:"accountType"`
			Coin        []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetAccountWallet(ctx)
	}); err != nil {
		return nil, err
	}

	var out []domain.Balance
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			total := parseF(coin.WalletBalance)
			if total == 0 {
				continue
			}
			locked := parseF(coin.Locked)
			out = append(out, domain.Balance{
				Asset:  coin.Coin,
				Free:   total - locked,
				Locked: locked,
			})
		}
	}
	return out, nil
}

// FetchTicker returns the 24h spot ticker for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := map[string]interface{}{"category": "spot", "symbol": venueSymbol(symbol)}

	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			LastPrice    string `json:"lastPrice"`
			Price24hPcnt string `json:"price24hPcnt"`
			HighPrice24h string `json:"highPrice24h"`
			LowPrice24h  string `json:"lowPrice24h"`
			Turnover24h  string `json:"turnover24h"`
			Volume24h    string `json:"volume24h"`
		} `json:"list"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetMarketTickers(ctx)
	}); err != nil {
		return domain.Ticker{}, err
	}
	if len(result.List) == 0 {
		return domain.Ticker{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNoData)
	}

	t := result.List[0]
	return domain.Ticker{
		Exchange:    "bybit",
		Symbol:      symbol,
		Last:        parseF(t.LastPrice),
		Bid:         parseF(t.Bid1Price),
		Ask:         parseF(t.Ask1Price),
		High:        parseF(t.HighPrice24h),
		Low:         parseF(t.LowPrice24h),
		Volume:      parseF(t.Volume24h),
		QuoteVolume: parseF(t.Turnover24h),
		ChangePct:   parseF(t.Price24hPcnt) * 100, // upstream reports a ratio
		Timestamp:   time.Now().UTC(),
	}, nil
}

// FetchOrderBook returns a spot depth snapshot.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	params := map[string]interface{}{"category": "spot", "symbol": venueSymbol(symbol), "limit": depth}

	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetOrderBookInfo(ctx)
	}); err != nil {
		return domain.OrderBook{}, err
	}

	book := domain.OrderBook{
		Exchange:  "bybit",
		Symbol:    symbol,
		Bids:      make([]domain.PriceLevel, 0, len(result.Bids)),
		Asks:      make([]domain.PriceLevel, 0, len(result.Asks)),
		Timestamp: time.UnixMilli(result.Ts),
	}
	for _, lvl := range result.Bids {
		if len(lvl) < 2 {
			continue
		}
		book.Bids = append(book.Bids, domain.PriceLevel{Price: parseF(lvl[0]), Qty: parseF(lvl[1])})
	}
	for _, lvl := range result.Asks {
		if len(lvl) < 2 {
			continue
		}
		book.Asks = append(book.Asks, domain.PriceLevel{Price: parseF(lvl[0]), Qty: parseF(lvl[1])})
	}
	return book, nil
}

// FetchTrades returns the most recent public spot trades.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error) {
	params := map[string]interface{}{"category": "spot", "symbol": venueSymbol(symbol), "limit": limit}

	var result struct {
		List []struct {
			ExecID string `json:"execId"`
			Price  string `json:"price"`
			Size   string `json:"size"`
			Side   string `json:"side"`
			Time   string `json:"time"`
		} `json:"list"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetPublicRecentTrades(ctx)
	}); err != nil {
		return nil, err
	}

	out := make([]domain.PublicTrade, 0, len(result.List))
	for _, t := range result.List {
		out = append(out, domain.PublicTrade{
			Exchange: "bybit",
			Symbol:   symbol,
			ID:       t.ExecID,
			Price:    parseF(t.Price),
			Qty:      parseF(t.Size),
			// Side is the taker side, so a "Sell" print means the
			// resting buyer was the maker.
			IsBuyerMaker: t.Side == "Sell",
			Timestamp:    time.UnixMilli(parseI(t.Time)),
		})
	}
	return out, nil
}

// FetchCandles returns OHLCV bars, oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := map[string]interface{}{
		"category": "spot",
		"symbol":   venueSymbol(symbol),
		"interval": venueInterval(interval),
		"limit":    limit,
	}

	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetMarketKline(ctx)
	}); err != nil {
		return nil, err
	}

	// Upstream returns newest-first; normalise to oldest-first.
	out := make([]domain.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 7 {
			continue
		}
		open := time.UnixMilli(parseI(row[0]))
		out = append(out, domain.Candle{
			Exchange:  "bybit",
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  open,
			Open:      parseF(row[1]),
			High:      parseF(row[2]),
			Low:       parseF(row[3]),
			Close:     parseF(row[4]),
			Volume:    parseF(row[5]),
			CloseTime: open.Add(intervalDuration(interval)),
		})
	}
	return out, nil
}

// FetchSymbols returns all spot instruments and their trading status.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	params := map[string]interface{}{"category": "spot", "limit": 1000}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	}
	if err := c.call(ctx, params, &result, func(ctx context.Context, p map[string]interface{}) (*bybit.ServerResponse, error) {
		return c.api.NewUtaBybitServiceWithParams(p).GetInstrumentInfo(ctx)
	}); err != nil {
		return nil, err
	}

	out := make([]domain.SymbolInfo, 0, len(result.List))
	for _, s := range result.List {
		out = append(out, domain.SymbolInfo{
			Symbol: s.BaseCoin + "/" + s.QuoteCoin,
			Base:   s.BaseCoin,
			Quote:  s.QuoteCoin,
			Active: s.Status == "Trading",
		})
	}
	return out, nil
}

// Close implements domain.ExchangeClient.
func (c *Client) Close() error { return nil }

// call runs one SDK request through the rate limiter, checks the envelope
// return code, and re-marshals Result into out.
func (c *Client) call(ctx context.Context, params map[string]interface{}, out any,
	do func(context.Context, map[string]interface{}) (*bybit.ServerResponse, error),
) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := do(ctx, params)
	if err != nil {
		return fmt.Errorf("bybit: %w", err)
	}
	if resp.RetCode != 0 {
		return mapRetCode(resp.RetCode, resp.RetMsg)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit: marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bybit: decode result: %w", err)
	}
	return nil
}

// mapRetCode translates Bybit return codes into the shared taxonomy.
func mapRetCode(code int, msg string) error {
	switch code {
	case 10003, 10004, 10005, 33004:
		return fmt.Errorf("bybit: %w: %s (retCode %d)", domain.ErrInvalidCredentials, msg, code)
	case 10006, 10018:
		return fmt.Errorf("bybit: %w: %s (retCode %d)", domain.ErrRateLimited, msg, code)
	}
	return fmt.Errorf("bybit: retCode %d: %s", code, msg)
}

// venueSymbol renders "BTC/USDT" in Bybit's "BTCUSDT" spelling.
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// venueInterval maps generic interval names to Bybit's kline spellings.
func venueInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	}
	return interval
}

func intervalDuration(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil {
		return d
	}
	switch interval {
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	}
	return time.Minute
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseI(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
