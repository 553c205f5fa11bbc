package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/server/handler"
	"github.com/alanyoungcy/crossfolio/internal/server/middleware"
	"github.com/alanyoungcy/crossfolio/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Per-client request budget. Applied only when a rate limiter is
	// provided; zero values fall back to 100 req / 1m.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered, so a market-data-only
// deployment can omit the portfolio surface entirely.
type Handlers struct {
	Health     *handler.HealthHandler
	Quotes     *handler.QuoteHandler
	Exchanges  *handler.ExchangeHandler
	Portfolios *handler.PortfolioHandler
	Stats      *handler.StatsHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (auth, rate limiting, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil to disable API rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market data endpoints.
	if handlers.Quotes != nil {
		mux.HandleFunc("GET /api/quotes", handlers.Quotes.GetQuote)
		mux.HandleFunc("GET /api/quotes/unified", handlers.Quotes.GetUnified)
		mux.HandleFunc("GET /api/arbitrage", handlers.Quotes.GetArbitrage)
	}

	// Exchange connection endpoints.
	if handlers.Exchanges != nil {
		mux.HandleFunc("GET /api/exchanges", handlers.Exchanges.List)
		mux.HandleFunc("POST /api/exchanges/connect", handlers.Exchanges.Connect)
		mux.HandleFunc("DELETE /api/exchanges/{exchange}", handlers.Exchanges.Disconnect)
	}

	// Portfolio endpoints.
	if handlers.Portfolios != nil {
		mux.HandleFunc("GET /api/portfolio/summary", handlers.Portfolios.GetSummary)
		mux.HandleFunc("GET /api/portfolio/holdings", handlers.Portfolios.GetHoldings)
		mux.HandleFunc("GET /api/portfolio/performance", handlers.Portfolios.GetPerformance)
		mux.HandleFunc("GET /api/portfolio/trades", handlers.Portfolios.GetTrades)
		mux.HandleFunc("POST /api/portfolio/resync", handlers.Portfolios.Resync)
	}

	// Runtime statistics.
	if handlers.Stats != nil {
		mux.HandleFunc("GET /api/stats", handlers.Stats.GetStats)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if limiter != nil {
		limit, window := cfg.RateLimit, cfg.RateLimitWindow
		if limit <= 0 {
			limit = 100
		}
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, limit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
