package domain

import "time"

// TradeSide is the direction of a fill from the account's perspective.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// TradeFill is one executed trade reported for a user's exchange account.
// Delivery is at-least-once; the feed layer drops replays by Identity.
type TradeFill struct {
	ID        string // venue-assigned trade ID
	UserID    string
	Exchange  string
	Symbol    string // "BTC/USDT"
	Base      string
	Quote     string
	Side      TradeSide
	Price     float64
	Amount    float64 // base-asset amount
	Fee       float64 // charged in quote currency
	FeeAsset  string
	Timestamp time.Time
}

// Identity is the dedup key: venue trade IDs are unique per exchange only.
func (f TradeFill) Identity() string {
	return f.Exchange + ":" + f.ID
}

// Proceeds returns the quote-currency value of the fill before fees.
func (f TradeFill) Proceeds() float64 {
	return f.Amount * f.Price
}
