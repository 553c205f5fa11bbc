package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// StatsSource exposes cache statistics for the stats endpoint.
type StatsSource interface {
	Stats() domain.AggregatorStats
}

// SubscriberSource reports how many WebSocket clients are connected. The ws
// hub is the production implementation.
type SubscriberSource interface {
	ClientCount() int
}

// StatsHandler serves runtime statistics.
type StatsHandler struct {
	source      StatsSource
	subscribers SubscriberSource
	mode        string
	startedAt   time.Time
	logger      *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(source StatsSource, mode string, startedAt time.Time, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		source:    source,
		mode:      mode,
		startedAt: startedAt,
		logger:    logHandler(logger, "stats"),
	}
}

// WithSubscribers adds a WebSocket subscriber count to the stats response.
func (h *StatsHandler) WithSubscribers(subscribers SubscriberSource) *StatsHandler {
	h.subscribers = subscribers
	return h
}

// GetStats reports cache counters, subscriber counts, and process uptime.
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.subscribers != nil {
		resp["subscriber_count"] = h.subscribers.ClientCount()
	}
	if h.source != nil {
		stats := h.source.Stats()
		byKind := make(map[string]int, len(stats.EntriesByKind))
		for kind, n := range stats.EntriesByKind {
			byKind[string(kind)] = n
		}
		resp["cache"] = map[string]any{
			"entries":         stats.Entries,
			"entries_by_kind": byKind,
			"hits":            stats.Hits,
			"misses":          stats.Misses,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
