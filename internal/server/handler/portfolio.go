package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// PortfolioService defines the reconciler operations the portfolio handler
// needs.
type PortfolioService interface {
	GetSummary(ctx context.Context, userID string) (domain.PortfolioSummary, error)
	GetHoldings(ctx context.Context, userID string, filter domain.HoldingFilter) ([]domain.Holding, error)
	GetPerformanceHistory(ctx context.Context, userID string, days int) ([]domain.PerformancePoint, error)
	Resync(ctx context.Context, userID string) (*domain.Portfolio, error)
}

// PortfolioHandler serves portfolio endpoints.
type PortfolioHandler struct {
	portfolios PortfolioService
	trades     domain.TradeStore
	logger     *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler. trades may be nil when no
// trade store is configured; the trades endpoint then returns 501.
func NewPortfolioHandler(portfolios PortfolioService, trades domain.TradeStore, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		portfolios: portfolios,
		trades:     trades,
		logger:     logHandler(logger, "portfolio"),
	}
}

// GetSummary returns the user's aggregate portfolio view.
// GET /api/portfolio/summary?user_id=alice
func (h *PortfolioHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	summary, err := h.portfolios.GetSummary(r.Context(), uid)
	if err != nil {
		h.writePortfolioError(w, r, err, uid)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// listHoldingsResponse wraps the holdings list.
type listHoldingsResponse struct {
	UserID   string           `json:"user_id"`
	Holdings []domain.Holding `json:"holdings"`
}

// GetHoldings returns the user's filtered holdings, largest value first.
// GET /api/portfolio/holdings?user_id=alice&assets=BTC,ETH&exchange=binance&min_value=10&hide_zero=true
func (h *PortfolioHandler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	q := r.URL.Query()
	filter := domain.HoldingFilter{
		Exchange: strings.ToLower(q.Get("exchange")),
		MinValue: parseFloat(r, "min_value", 0),
		HideZero: q.Get("hide_zero") == "true",
	}
	if assets := q.Get("assets"); assets != "" {
		for _, a := range strings.Split(assets, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Assets = append(filter.Assets, a)
			}
		}
	}

	holdings, err := h.portfolios.GetHoldings(r.Context(), uid, filter)
	if err != nil {
		h.writePortfolioError(w, r, err, uid)
		return
	}
	if holdings == nil {
		holdings = []domain.Holding{}
	}
	writeJSON(w, http.StatusOK, listHoldingsResponse{UserID: uid, Holdings: holdings})
}

// GetPerformance returns the daily value series for the requested window.
// GET /api/portfolio/performance?user_id=alice&days=30
func (h *PortfolioHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	days := parseInt(r, "days", 30)
	if days < 1 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	points, err := h.portfolios.GetPerformanceHistory(r.Context(), uid, days)
	if err != nil {
		h.writePortfolioError(w, r, err, uid)
		return
	}
	if points == nil {
		points = []domain.PerformancePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": uid,
		"days":    days,
		"points":  points,
	})
}

// Resync triggers a full balance refresh across the user's connected
// exchanges and returns the refreshed portfolio.
// POST /api/portfolio/resync?user_id=alice
func (h *PortfolioHandler) Resync(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	p, err := h.portfolios.Resync(r.Context(), uid)
	if err != nil {
		if errors.Is(err, domain.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		h.writePortfolioError(w, r, err, uid)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// listTradesResponse wraps the trade history.
type listTradesResponse struct {
	UserID string             `json:"user_id"`
	Trades []domain.TradeFill `json:"trades"`
}

// GetTrades returns the user's applied trade fills, newest first.
// GET /api/portfolio/trades?user_id=alice&limit=50&offset=0&since=...&until=...
func (h *PortfolioHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusNotImplemented, "trade history not configured")
		return
	}
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	fills, err := h.trades.ListByUser(r.Context(), uid, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "list trades failed")
		return
	}
	if fills == nil {
		fills = []domain.TradeFill{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{UserID: uid, Trades: fills})
}

func (h *PortfolioHandler) writePortfolioError(w http.ResponseWriter, r *http.Request, err error, uid string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "portfolio not found")
	default:
		h.logger.ErrorContext(r.Context(), "portfolio request failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "portfolio request failed")
	}
}
