package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradeLedgerSuppressesReplays(t *testing.T) {
	l := NewTradeLedger(time.Hour)

	assert.False(t, l.Seen("binance:t1"))
	assert.True(t, l.Seen("binance:t1"))
	// The same venue trade ID on another exchange is a different fill.
	assert.False(t, l.Seen("bybit:t1"))
	assert.Equal(t, 2, l.Size())
}

func TestTradeLedgerExpiresEntries(t *testing.T) {
	l := NewTradeLedger(time.Hour)
	base := time.Now()
	l.now = func() time.Time { return base }

	assert.False(t, l.Seen("binance:t1"))

	// Inside the window it is still a replay.
	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.True(t, l.Seen("binance:t1"))

	// Past the TTL the identity is treated as new again.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.False(t, l.Seen("binance:t1"))
}

func TestTradeLedgerSweep(t *testing.T) {
	l := NewTradeLedger(time.Hour)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Warm("binance:t1")
	l.Warm("binance:t2")

	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	l.Warm("bybit:t3")

	l.now = func() time.Time { return base.Add(70 * time.Minute) }
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 1, l.Size())
	assert.True(t, l.Seen("bybit:t3"))
}
