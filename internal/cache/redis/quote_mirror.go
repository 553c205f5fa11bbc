package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// quoteTTL keeps stale tickers from lingering after publishers stop; the
// sweep refreshes well inside this window.
const quoteTTL = 5 * time.Minute

// QuoteMirror implements domain.QuoteMirror by storing the latest unified
// ticker per symbol as JSON at "quote:unified:{symbol}". Readers on any
// instance, and the websocket boundary, serve from here without touching
// the exchanges.
type QuoteMirror struct {
	rdb *redis.Client
}

// NewQuoteMirror creates a QuoteMirror backed by the given Client.
func NewQuoteMirror(c *Client) *QuoteMirror {
	return &QuoteMirror{rdb: c.Underlying()}
}

func quoteKey(symbol string) string {
	return "quote:unified:" + symbol
}

// SetUnified stores the latest unified ticker for its symbol.
func (m *QuoteMirror) SetUnified(ctx context.Context, t domain.UnifiedTicker) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", t.Symbol, err)
	}
	if err := m.rdb.Set(ctx, quoteKey(t.Symbol), payload, quoteTTL).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", t.Symbol, err)
	}
	return nil
}

// GetUnified returns the mirrored ticker for symbol, or domain.ErrNotFound.
func (m *QuoteMirror) GetUnified(ctx context.Context, symbol string) (domain.UnifiedTicker, error) {
	payload, err := m.rdb.Get(ctx, quoteKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.UnifiedTicker{}, domain.ErrNotFound
		}
		return domain.UnifiedTicker{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}

	var t domain.UnifiedTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.UnifiedTicker{}, fmt.Errorf("redis: decode quote %s: %w", symbol, err)
	}
	return t, nil
}

// GetAll returns the mirrored tickers for symbols using a pipeline. Symbols
// with no mirrored quote are omitted.
func (m *QuoteMirror) GetAll(ctx context.Context, symbols []string) (map[string]domain.UnifiedTicker, error) {
	if len(symbols) == 0 {
		return map[string]domain.UnifiedTicker{}, nil
	}

	pipe := m.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(symbols))
	for _, symbol := range symbols {
		cmds[symbol] = pipe.Get(ctx, quoteKey(symbol))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	out := make(map[string]domain.UnifiedTicker, len(symbols))
	for symbol, cmd := range cmds {
		payload, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var t domain.UnifiedTicker
		if err := json.Unmarshal(payload, &t); err != nil {
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.QuoteMirror = (*QuoteMirror)(nil)
