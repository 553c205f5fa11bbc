// Package feed bridges the signal bus into the portfolio reconciler: it
// consumes trade-fill events, suppresses replays, and applies each new fill
// exactly once.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/portfolio"
)

// tradeEvent is the JSON shape published to the trades channel by exchange
// connectors and external producers.
type tradeEvent struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Fee       float64 `json:"fee"`
	FeeAsset  string  `json:"fee_asset"`
	Timestamp string  `json:"timestamp"`
}

// Applier receives deduplicated fills. The portfolio reconciler is the
// production implementation.
type Applier interface {
	ApplyTrade(ctx context.Context, fill domain.TradeFill) error
}

// TradeFeed subscribes to the trades channel, drops fills already seen in
// the ledger, and hands the rest to the applier. Each applied fill is also
// appended to the durable applied-trades stream so a restart can rebuild
// the ledger instead of re-applying replays.
type TradeFeed struct {
	bus         domain.SignalBus
	ledger      *portfolio.TradeLedger
	applier     Applier
	replayLimit int
	logger      *slog.Logger
}

// NewTradeFeed creates a TradeFeed.
func NewTradeFeed(bus domain.SignalBus, ledger *portfolio.TradeLedger, applier Applier, logger *slog.Logger) *TradeFeed {
	return &TradeFeed{
		bus:     bus,
		ledger:  ledger,
		applier: applier,
		logger:  logger.With(slog.String("component", "trade_feed")),
	}
}

// WithReplayLimit caps how many stream entries Warm replays into the
// ledger. Zero or negative means unbounded.
func (f *TradeFeed) WithReplayLimit(n int) *TradeFeed {
	f.replayLimit = n
	return f
}

// warmBatchSize bounds one stream read during ledger warm-up.
const warmBatchSize = 500

// Warm replays the applied-trades stream into the ledger. Call before Run;
// fills applied before the last restart stay suppressed.
func (f *TradeFeed) Warm(ctx context.Context) error {
	lastID := "0"
	var warmed int
	for {
		batch := warmBatchSize
		if f.replayLimit > 0 && f.replayLimit-warmed < batch {
			batch = f.replayLimit - warmed
		}
		if batch <= 0 {
			break
		}
		msgs, err := f.bus.StreamRead(ctx, domain.StreamTradesApplied, lastID, batch)
		if err != nil {
			return fmt.Errorf("feed: warm ledger: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			lastID = msg.ID
			var ev tradeEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			f.ledger.Warm(ev.Exchange + ":" + ev.ID)
			warmed++
		}
	}
	f.logger.Info("trade ledger warmed", slog.Int("fills", warmed))
	return nil
}

// Run consumes the trades channel until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.ChannelTrades)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", domain.ChannelTrades, err)
	}
	f.logger.Info("trade feed started")
	defer f.logger.Info("trade feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Warn("trade feed handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *TradeFeed) handleMessage(ctx context.Context, data []byte) error {
	var ev tradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("feed: decode trade event: %w", err)
	}

	fill, err := ev.toFill()
	if err != nil {
		return err
	}

	if f.ledger.Seen(fill.Identity()) {
		f.logger.Debug("duplicate fill dropped",
			slog.String("identity", fill.Identity()),
		)
		return nil
	}

	if err := f.applier.ApplyTrade(ctx, fill); err != nil {
		return fmt.Errorf("feed: apply %s: %w", fill.Identity(), err)
	}

	// Best effort: a missed append only means the fill could be re-applied
	// as a duplicate after a restart within the ledger TTL.
	if err := f.bus.StreamAppend(ctx, domain.StreamTradesApplied, data); err != nil {
		f.logger.Warn("append applied-trades stream failed",
			slog.String("identity", fill.Identity()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// toFill validates the wire event and converts it to the domain fill.
func (ev tradeEvent) toFill() (domain.TradeFill, error) {
	if ev.ID == "" || ev.Exchange == "" || ev.UserID == "" {
		return domain.TradeFill{}, fmt.Errorf("feed: trade event missing id, exchange, or user")
	}

	base, quote := ev.Base, ev.Quote
	if base == "" {
		if b, q, ok := strings.Cut(ev.Symbol, "/"); ok {
			base, quote = b, q
		}
	}
	if base == "" {
		return domain.TradeFill{}, fmt.Errorf("feed: trade event %s:%s has no base asset", ev.Exchange, ev.ID)
	}

	ts := time.Now().UTC()
	if ev.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			return domain.TradeFill{}, fmt.Errorf("feed: trade event %s:%s bad timestamp: %w", ev.Exchange, ev.ID, err)
		}
		ts = parsed
	}

	return domain.TradeFill{
		ID:        ev.ID,
		UserID:    ev.UserID,
		Exchange:  ev.Exchange,
		Symbol:    ev.Symbol,
		Base:      strings.ToUpper(base),
		Quote:     strings.ToUpper(quote),
		Side:      domain.TradeSide(strings.ToLower(ev.Side)),
		Price:     ev.Price,
		Amount:    ev.Amount,
		Fee:       ev.Fee,
		FeeAsset:  ev.FeeAsset,
		Timestamp: ts,
	}, nil
}
