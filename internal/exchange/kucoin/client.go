// Package kucoin adapts the KuCoin spot REST API to the venue-facing port.
// The public market endpoints are unauthenticated; the account endpoint is
// signed with HMAC-SHA256 per API key version 2.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/crossfolio/internal/crypto"
	"github.com/alanyoungcy/crossfolio/internal/domain"
)

const sandboxBaseURL = "https://openapi-sandbox.kucoin.com"

// Config carries KuCoin client parameters.
type Config struct {
	BaseURL    string
	RatePerSec float64
	Burst      int
}

// Client is the REST client for the KuCoin spot API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ domain.ExchangeClient = (*Client)(nil)

// New builds a KuCoin client. Empty credentials yield a public-data client.
func New(cfg Config, creds domain.Credentials, sandbox bool) *Client {
	base := cfg.BaseURL
	if sandbox {
		base = sandboxBaseURL
	}
	if base == "" {
		base = "https://api.kucoin.com"
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	var auth *crypto.HMACAuth
	if creds.APIKey != "" {
		auth = &crypto.HMACAuth{
			Key:        creds.APIKey,
			Secret:     creds.APISecret,
			Passphrase: creds.Passphrase,
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name implements domain.ExchangeClient.
func (c *Client) Name() string { return "kucoin" }

// TestConnection verifies the credentials with an account fetch.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.FetchBalances(ctx)
	return err
}

// FetchBalances returns all non-zero balances across KuCoin account types,
// summed per asset. Trade-account balances report a hold amount which maps
// to Locked.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("kucoin: fetch balances: %w", domain.ErrInvalidCredentials)
	}

	var accounts []struct {
		Currency  string `json:"currency"`
		Type      string `json:"type"`
		Balance   string `json:"balance"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := c.get(ctx, "/api/v1/accounts", nil, true, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: fetch balances: %w", err)
	}

	byAsset := make(map[string]*domain.Balance)
	order := make([]string, 0, len(accounts))
	for _, a := range accounts {
		free := parseF(a.Available)
		locked := parseF(a.Holds)
		if free == 0 && locked == 0 {
			continue
		}
		b, ok := byAsset[a.Currency]
		if !ok {
			b = &domain.Balance{Asset: a.Currency}
			byAsset[a.Currency] = b
			order = append(order, a.Currency)
		}
		b.Free += free
		b.Locked += locked
	}

	out := make([]domain.Balance, 0, len(order))
	for _, asset := range order {
		out = append(out, *byAsset[asset])
	}
	return out, nil
}

// FetchTicker returns the 24h market stats for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var stats struct {
		Time        int64  `json:"time"`
		Last        string `json:"last"`
		Buy         string `json:"buy"`
		Sell        string `json:"sell"`
		High        string `json:"high"`
		Low         string `json:"low"`
		Vol         string `json:"vol"`
		VolValue    string `json:"volValue"`
		ChangeRate  string `json:"changeRate"`
	}
	params := url.Values{"symbol": {venueSymbol(symbol)}}
	if err := c.get(ctx, "/api/v1/market/stats", params, false, &stats); err != nil {
		return domain.Ticker{}, fmt.Errorf("kucoin: ticker %s: %w", symbol, err)
	}
	if stats.Last == "" {
		return domain.Ticker{}, fmt.Errorf("kucoin: ticker %s: %w", symbol, domain.ErrNoData)
	}

	return domain.Ticker{
		Exchange:    "kucoin",
		Symbol:      symbol,
		Last:        parseF(stats.Last),
		Bid:         parseF(stats.Buy),
		Ask:         parseF(stats.Sell),
		High:        parseF(stats.High),
		Low:         parseF(stats.Low),
		Volume:      parseF(stats.Vol),
		QuoteVolume: parseF(stats.VolValue),
		ChangePct:   parseF(stats.ChangeRate) * 100,
		Timestamp:   time.UnixMilli(stats.Time),
	}, nil
}

// FetchOrderBook returns the aggregated level-2 snapshot, truncated to depth
// levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	var book struct {
		Time int64       `json:"time"`
		Bids [][2]string `json:"bids"` // [price, size], descending
		Asks [][2]string `json:"asks"` // [price, size], ascending
	}
	params := url.Values{"symbol": {venueSymbol(symbol)}}
	if err := c.get(ctx, "/api/v1/market/orderbook/level2_100", params, false, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("kucoin: orderbook %s: %w", symbol, err)
	}

	out := domain.OrderBook{
		Exchange:  "kucoin",
		Symbol:    symbol,
		Timestamp: time.UnixMilli(book.Time),
	}
	for i, b := range book.Bids {
		if depth > 0 && i >= depth {
			break
		}
		out.Bids = append(out.Bids, domain.PriceLevel{Price: parseF(b[0]), Qty: parseF(b[1])})
	}
	for i, a := range book.Asks {
		if depth > 0 && i >= depth {
			break
		}
		out.Asks = append(out.Asks, domain.PriceLevel{Price: parseF(a[0]), Qty: parseF(a[1])})
	}
	return out, nil
}

// FetchTrades returns the most recent public trades. KuCoin serves a fixed
// window of the last 100 prints; limit truncates client-side.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error) {
	var trades []struct {
		Sequence string `json:"sequence"`
		Price    string `json:"price"`
		Size     string `json:"size"`
		Side     string `json:"side"`
		Time     int64  `json:"time"` // nanoseconds
	}
	params := url.Values{"symbol": {venueSymbol(symbol)}}
	if err := c.get(ctx, "/api/v1/market/histories", params, false, &trades); err != nil {
		return nil, fmt.Errorf("kucoin: trades %s: %w", symbol, err)
	}

	out := make([]domain.PublicTrade, 0, len(trades))
	for i, t := range trades {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, domain.PublicTrade{
			Exchange:     "kucoin",
			Symbol:       symbol,
			ID:           t.Sequence,
			Price:        parseF(t.Price),
			Qty:          parseF(t.Size),
			IsBuyerMaker: t.Side == "sell",
			Timestamp:    time.Unix(0, t.Time),
		})
	}
	return out, nil
}

// FetchCandles returns OHLCV bars, oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	ktype, step, err := venueInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("kucoin: candles %s: %w", symbol, err)
	}

	params := url.Values{
		"symbol": {venueSymbol(symbol)},
		"type":   {ktype},
	}
	if limit > 0 {
		start := time.Now().Add(-time.Duration(limit) * step).Unix()
		params.Set("startAt", strconv.FormatInt(start, 10))
	}

	// Each candle is [time, open, close, high, low, volume, turnover].
	var rows [][7]string
	if err := c.get(ctx, "/api/v1/market/candles", params, false, &rows); err != nil {
		return nil, fmt.Errorf("kucoin: candles %s: %w", symbol, err)
	}

	// KuCoin returns newest first.
	out := make([]domain.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		open := time.Unix(int64(parseF(r[0])), 0)
		out = append(out, domain.Candle{
			Exchange:  "kucoin",
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  open,
			Open:      parseF(r[1]),
			Close:     parseF(r[2]),
			High:      parseF(r[3]),
			Low:       parseF(r[4]),
			Volume:    parseF(r[5]),
			CloseTime: open.Add(step),
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// FetchSymbols returns all spot symbols and their trading status.
func (c *Client) FetchSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	var symbols []struct {
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
		EnableTrading bool   `json:"enableTrading"`
	}
	if err := c.get(ctx, "/api/v2/symbols", nil, false, &symbols); err != nil {
		return nil, fmt.Errorf("kucoin: symbols: %w", err)
	}

	out := make([]domain.SymbolInfo, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, domain.SymbolInfo{
			Symbol: s.BaseCurrency + "/" + s.QuoteCurrency,
			Base:   s.BaseCurrency,
			Quote:  s.QuoteCurrency,
			Active: s.EnableTrading,
		})
	}
	return out, nil
}

// Close implements domain.ExchangeClient. The REST client holds no
// long-lived resources.
func (c *Client) Close() error { return nil }

// envelope is the common KuCoin response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// get performs a GET request against path, unwraps the KuCoin envelope, and
// decodes Data into out. Signed requests carry the key-version-2 headers.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullPath := path
	if len(params) > 0 {
		fullPath += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fullPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if signed {
		if c.auth == nil {
			return domain.ErrInvalidCredentials
		}
		// The signature covers the path including the query string.
		for k, v := range c.auth.Headers(http.MethodGet, fullPath, "") {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.ErrRateLimited
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", domain.ErrInvalidCredentials, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != "200000" {
		return mapCode(env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// mapCode translates KuCoin business codes into the shared taxonomy.
func mapCode(code, msg string) error {
	switch code {
	case "429000":
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case "400003", "400004", "400005", "400006", "400007", "411100":
		return fmt.Errorf("%w: %s (%s)", domain.ErrInvalidCredentials, msg, code)
	}
	return fmt.Errorf("api error %s: %s", code, msg)
}

// venueSymbol renders "BTC/USDT" in KuCoin's "BTC-USDT" spelling.
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// venueInterval maps the generic interval spelling to a KuCoin kline type
// and its bar duration.
func venueInterval(interval string) (string, time.Duration, error) {
	switch interval {
	case "1m":
		return "1min", time.Minute, nil
	case "5m":
		return "5min", 5 * time.Minute, nil
	case "15m":
		return "15min", 15 * time.Minute, nil
	case "30m":
		return "30min", 30 * time.Minute, nil
	case "1h":
		return "1hour", time.Hour, nil
	case "4h":
		return "4hour", 4 * time.Hour, nil
	case "1d":
		return "1day", 24 * time.Hour, nil
	case "1w":
		return "1week", 7 * 24 * time.Hour, nil
	}
	return "", 0, fmt.Errorf("unsupported interval %q", interval)
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
