package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// QuoteService defines the market data operations the quote handler needs.
type QuoteService interface {
	GetQuote(ctx context.Context, exchange, symbol string, kind domain.QuoteKind, params domain.QuoteParams) (domain.Quote, error)
	GetUnified(ctx context.Context, symbol string, kind domain.QuoteKind) (domain.UnifiedResult, error)
	GetArbitrage(ctx context.Context, symbol string, minProfitPct float64) ([]domain.ArbitrageOpportunity, error)
}

// QuoteHandler serves market data endpoints.
type QuoteHandler struct {
	quotes QuoteService
	mirror domain.QuoteMirror
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteService, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{
		quotes: quotes,
		logger: logHandler(logger, "quote"),
	}
}

// WithMirror adds a cross-instance fallback for unified tickers: when the
// local cache holds no data, the latest quote mirrored by a refreshing
// instance is served instead.
func (h *QuoteHandler) WithMirror(mirror domain.QuoteMirror) *QuoteHandler {
	h.mirror = mirror
	return h
}

// parseKind maps the query parameter to a quote kind, defaulting to ticker.
func parseKind(r *http.Request) (domain.QuoteKind, bool) {
	switch strings.ToLower(r.URL.Query().Get("kind")) {
	case "", "ticker":
		return domain.QuoteTicker, true
	case "orderbook", "book":
		return domain.QuoteOrderBook, true
	case "trades":
		return domain.QuoteTrades, true
	case "candles":
		return domain.QuoteCandles, true
	default:
		return "", false
	}
}

// GetQuote returns one venue's cached quote.
// GET /api/quotes?symbol=BTC/USDT&exchange=binance&kind=ticker
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	exchange := r.URL.Query().Get("exchange")
	if symbol == "" || exchange == "" {
		writeError(w, http.StatusBadRequest, "symbol and exchange query parameters required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	params := domain.QuoteParams{
		Depth:    parseInt(r, "depth", 0),
		Limit:    parseInt(r, "limit", 0),
		Interval: r.URL.Query().Get("interval"),
	}

	quote, err := h.quotes.GetQuote(r.Context(), exchange, symbol, kind, params)
	if err != nil {
		h.writeQuoteError(w, r, err, symbol)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetUnified returns the cross-exchange merge for a symbol.
// GET /api/quotes/unified?symbol=BTC/USDT&kind=ticker
func (h *QuoteHandler) GetUnified(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	result, err := h.quotes.GetUnified(r.Context(), symbol, kind)
	if err != nil {
		if mirrored, ok := h.mirroredTicker(r.Context(), symbol, kind, err); ok {
			writeJSON(w, http.StatusOK, mirrored)
			return
		}
		h.writeQuoteError(w, r, err, symbol)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// mirroredTicker serves the cross-instance mirror when the local aggregation
// failed for lack of data. Only tickers are mirrored.
func (h *QuoteHandler) mirroredTicker(ctx context.Context, symbol string, kind domain.QuoteKind, cause error) (domain.UnifiedResult, bool) {
	if h.mirror == nil || kind != domain.QuoteTicker || !errors.Is(cause, domain.ErrNoData) {
		return domain.UnifiedResult{}, false
	}
	t, err := h.mirror.GetUnified(ctx, symbol)
	if err != nil {
		return domain.UnifiedResult{}, false
	}
	return domain.UnifiedResult{
		Symbol:    symbol,
		Kind:      kind,
		Unified:   &t,
		FetchedAt: t.Timestamp,
	}, true
}

// listOpportunitiesResponse wraps the arbitrage response.
type listOpportunitiesResponse struct {
	Symbol        string                        `json:"symbol"`
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
}

// GetArbitrage returns current cross-exchange price gaps for a symbol.
// GET /api/arbitrage?symbol=BTC/USDT&min_profit_pct=0.5
func (h *QuoteHandler) GetArbitrage(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}

	// Negative means "use the configured default threshold".
	minProfit := parseFloat(r, "min_profit_pct", -1)

	opportunities, err := h.quotes.GetArbitrage(r.Context(), symbol, minProfit)
	if err != nil {
		h.writeQuoteError(w, r, err, symbol)
		return
	}
	if opportunities == nil {
		opportunities = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{
		Symbol:        symbol,
		Opportunities: opportunities,
	})
}

func (h *QuoteHandler) writeQuoteError(w http.ResponseWriter, r *http.Request, err error, symbol string) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedExchange):
		writeError(w, http.StatusBadRequest, "unsupported exchange")
	case errors.Is(err, domain.ErrNoData), errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no data for symbol")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "upstream rate limited")
	default:
		h.logger.ErrorContext(r.Context(), "quote request failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "quote request failed")
	}
}
