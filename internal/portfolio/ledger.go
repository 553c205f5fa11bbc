package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TradeLedger suppresses replayed trade fills. Delivery from the bus is
// at-least-once, so the feed checks every fill's identity here before
// applying it. Entries expire after a TTL window; venue trade IDs do not
// recur within it. Safe for concurrent use.
type TradeLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time // fill identity -> first seen
	ttl  time.Duration
	now  func() time.Time
}

// NewTradeLedger creates a ledger whose entries expire after ttl.
func NewTradeLedger(ttl time.Duration) *TradeLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TradeLedger{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether identity was already recorded within the TTL window,
// recording it when new. Check-and-record is atomic.
func (l *TradeLedger) Seen(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if first, ok := l.seen[identity]; ok && now.Sub(first) < l.ttl {
		return true
	}
	l.seen[identity] = now
	return false
}

// Warm records identity without reporting, used to replay the durable trade
// stream into the ledger at startup.
func (l *TradeLedger) Warm(identity string) {
	l.mu.Lock()
	l.seen[identity] = l.now()
	l.mu.Unlock()
}

// Size returns the number of live entries.
func (l *TradeLedger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Sweep drops expired entries, bounding memory.
func (l *TradeLedger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var dropped int
	for id, first := range l.seen {
		if now.Sub(first) >= l.ttl {
			delete(l.seen, id)
			dropped++
		}
	}
	return dropped
}

// Run sweeps every sweep interval until ctx is cancelled. A non-positive
// interval falls back to half the TTL.
func (l *TradeLedger) Run(ctx context.Context, sweep time.Duration, logger *slog.Logger) error {
	if sweep <= 0 {
		sweep = l.ttl / 2
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if dropped := l.Sweep(); dropped > 0 {
				logger.Debug("trade ledger swept",
					slog.Int("dropped", dropped),
					slog.Int("remaining", l.Size()),
				)
			}
		}
	}
}
