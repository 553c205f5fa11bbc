package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/portfolio"
)

// memBus is an in-memory domain.SignalBus for feed tests.
type memBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	seq     int
}

func newMemBus() *memBus {
	return &memBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]chan []byte(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", b.seq),
		Payload: payload,
	})
	return nil
}

func (b *memBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, msg := range b.streams[stream] {
		if msg.ID > lastID && len(out) < count {
			out = append(out, msg)
		}
	}
	return out, nil
}

// recordingApplier captures applied fills.
type recordingApplier struct {
	mu    sync.Mutex
	fills []domain.TradeFill
}

func (a *recordingApplier) ApplyTrade(ctx context.Context, fill domain.TradeFill) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fills = append(a.fills, fill)
	return nil
}

func (a *recordingApplier) applied() []domain.TradeFill {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.TradeFill(nil), a.fills...)
}

func event(id string) []byte {
	payload, _ := json.Marshal(tradeEvent{
		ID:       id,
		UserID:   "alice",
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Side:     "buy",
		Price:    50000,
		Amount:   0.1,
		Fee:      5,
	})
	return payload
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTradeFeedAppliesAndDeduplicates(t *testing.T) {
	bus := newMemBus()
	applier := &recordingApplier{}
	feed := NewTradeFeed(bus, portfolio.NewTradeLedger(time.Hour), applier, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()
	waitFor(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[domain.ChannelTrades]) == 1
	})

	require.NoError(t, bus.Publish(ctx, domain.ChannelTrades, event("t1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelTrades, event("t1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelTrades, event("t2")))

	waitFor(t, func() bool { return len(applier.applied()) == 2 })
	fills := applier.applied()
	assert.Equal(t, "binance:t1", fills[0].Identity())
	assert.Equal(t, "binance:t2", fills[1].Identity())
	assert.Equal(t, "BTC", fills[0].Base)
	assert.Equal(t, "USDT", fills[0].Quote)

	// Applied fills land on the durable stream; the duplicate does not.
	bus.mu.Lock()
	streamLen := len(bus.streams[domain.StreamTradesApplied])
	bus.mu.Unlock()
	assert.Equal(t, 2, streamLen)

	cancel()
	<-done
}

func TestTradeFeedWarmSuppressesReplayedFills(t *testing.T) {
	bus := newMemBus()
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTradesApplied, event("t1")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTradesApplied, event("t2")))

	ledger := portfolio.NewTradeLedger(time.Hour)
	feed := NewTradeFeed(bus, ledger, &recordingApplier{}, slog.Default())

	require.NoError(t, feed.Warm(ctx))
	assert.Equal(t, 2, ledger.Size())
	assert.True(t, ledger.Seen("binance:t1"))
	assert.True(t, ledger.Seen("binance:t2"))
	assert.False(t, ledger.Seen("binance:t3"))
}

func TestTradeFeedWarmHonorsReplayLimit(t *testing.T) {
	bus := newMemBus()
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTradesApplied, event("t1")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTradesApplied, event("t2")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTradesApplied, event("t3")))

	ledger := portfolio.NewTradeLedger(time.Hour)
	feed := NewTradeFeed(bus, ledger, &recordingApplier{}, slog.Default()).
		WithReplayLimit(2)

	require.NoError(t, feed.Warm(ctx))
	assert.Equal(t, 2, ledger.Size())
	assert.False(t, ledger.Seen("binance:t3"))
}

func TestTradeFeedRejectsMalformedEvents(t *testing.T) {
	feed := NewTradeFeed(newMemBus(), portfolio.NewTradeLedger(time.Hour), &recordingApplier{}, slog.Default())

	err := feed.handleMessage(context.Background(), []byte("not json"))
	require.Error(t, err)

	missing, _ := json.Marshal(tradeEvent{ID: "t1", Exchange: "binance"})
	err = feed.handleMessage(context.Background(), missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestTradeEventDerivesBaseFromSymbol(t *testing.T) {
	ev := tradeEvent{ID: "t1", UserID: "u", Exchange: "binance", Symbol: "eth/usdt", Side: "sell", Amount: 1, Price: 3000}
	fill, err := ev.toFill()
	require.NoError(t, err)
	assert.Equal(t, "ETH", fill.Base)
	assert.Equal(t, "USDT", fill.Quote)
	assert.Equal(t, domain.TradeSell, fill.Side)
}
