package domain

import (
	"context"
	"time"
)

// QuoteMirror exposes the latest unified tickers to other instances and the
// websocket boundary without refetching upstream.
type QuoteMirror interface {
	SetUnified(ctx context.Context, t UnifiedTicker) error
	GetUnified(ctx context.Context, symbol string) (UnifiedTicker, error)
	GetAll(ctx context.Context, symbols []string) (map[string]UnifiedTicker, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter enforces a per-key request budget shared across instances,
// used by the HTTP boundary for per-user throttling.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names shared between publishers and the boundary.
const (
	ChannelQuotes    = "quotes"
	ChannelArbitrage = "arbitrage"
	ChannelPortfolio = "portfolio"
	ChannelTrades    = "trades"

	StreamTradesApplied = "trades.applied"
)
