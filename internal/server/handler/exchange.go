package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// ExchangeService defines the connection registry operations the exchange
// handler needs.
type ExchangeService interface {
	Connect(ctx context.Context, userID, exchange string, creds domain.Credentials, sandbox bool) (string, error)
	Disconnect(ctx context.Context, userID, exchange string) bool
	ListForUser(userID string) []domain.ConnectionInfo
	MarketExchanges() []string
}

// ExchangeHandler serves exchange connection endpoints.
type ExchangeHandler struct {
	registry ExchangeService
	logger   *slog.Logger
}

// NewExchangeHandler creates an ExchangeHandler.
func NewExchangeHandler(registry ExchangeService, logger *slog.Logger) *ExchangeHandler {
	return &ExchangeHandler{
		registry: registry,
		logger:   logHandler(logger, "exchange"),
	}
}

// connectRequest is the POST /api/exchanges/connect body. Credentials pass
// through to the registry and are never echoed back.
type connectRequest struct {
	UserID     string `json:"user_id"`
	Exchange   string `json:"exchange"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
	Sandbox    bool   `json:"sandbox"`
}

// Connect validates credentials against the venue and registers the
// connection.
// POST /api/exchanges/connect
func (h *ExchangeHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Exchange = strings.ToLower(strings.TrimSpace(req.Exchange))
	if req.UserID == "" || req.Exchange == "" {
		writeError(w, http.StatusBadRequest, "user_id and exchange required")
		return
	}

	id, err := h.registry.Connect(r.Context(), req.UserID, req.Exchange, domain.Credentials{
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		Passphrase: req.Passphrase,
	}, req.Sandbox)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnsupportedExchange):
			writeError(w, http.StatusBadRequest, "unsupported exchange")
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, domain.ErrConnectionTestFailed):
			writeError(w, http.StatusBadGateway, "connection test failed")
		default:
			h.logger.ErrorContext(r.Context(), "connect failed",
				slog.String("user_id", req.UserID),
				slog.String("exchange", req.Exchange),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "connect failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"connection_id": id,
		"exchange":      req.Exchange,
	})
}

// listConnectionsResponse wraps the connection list.
type listConnectionsResponse struct {
	Connections []domain.ConnectionInfo `json:"connections"`
	Supported   []string                `json:"supported"`
}

// List returns the user's active connections and the supported venues.
// GET /api/exchanges?user_id=alice
func (h *ExchangeHandler) List(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	conns := h.registry.ListForUser(uid)
	if conns == nil {
		conns = []domain.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, listConnectionsResponse{
		Connections: conns,
		Supported:   h.registry.MarketExchanges(),
	})
}

// Disconnect drops one of the user's connections.
// DELETE /api/exchanges/{exchange}?user_id=alice
func (h *ExchangeHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	exchange := strings.ToLower(pathParam(r, "exchange"))
	if uid == "" || exchange == "" {
		writeError(w, http.StatusBadRequest, "user_id and exchange required")
		return
	}

	if !h.registry.Disconnect(r.Context(), uid, exchange) {
		writeError(w, http.StatusNotFound, "not connected")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
