package domain

import "time"

// AssetClass buckets assets for allocation reporting.
type AssetClass string

const (
	AssetCrypto     AssetClass = "crypto"
	AssetStablecoin AssetClass = "stablecoin"
	AssetFiat       AssetClass = "fiat"
)

// SyncState is the lifecycle of a portfolio resynchronization.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "error"
)

// Holding is a user's position in one asset, aggregated across exchanges.
type Holding struct {
	Asset           string
	TotalAmount     float64
	AvailableAmount float64
	LockedAmount    float64
	// CostBasis is the cumulative cost of the currently held units,
	// including fees. Sells release a proportional share.
	CostBasis     float64
	CurrentPrice  float64
	CurrentValue  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	// ByExchange maps exchange name to the amount held there, replaced
	// wholesale by each successful balance fetch for that exchange.
	ByExchange map[string]float64
	UpdatedAt  time.Time
}

// ValueTotals pairs current market value with accumulated cost basis.
type ValueTotals struct {
	Current   float64
	CostBasis float64
}

// PerformancePoint is one day of portfolio value history.
type PerformancePoint struct {
	Date   time.Time // UTC midnight
	Value  float64
	PnL    float64
	PnLPct float64
}

// Portfolio aggregates all of one user's holdings. Zero-amount holdings
// remain as closed positions.
type Portfolio struct {
	UserID            string
	BaseCurrency      string
	Holdings          map[string]*Holding
	TotalValue        ValueTotals
	AllocationByAsset map[string]float64
	AllocationByClass map[AssetClass]float64
	// Diversification is 100*(1 - sum of squared allocation shares):
	// 0 when everything sits in one asset, approaching 100 as it spreads.
	Diversification float64
	Performance     []PerformancePoint
	SyncStatus      SyncState
	SyncErrors      []string
	LastSyncAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PortfolioSummary is the read-only projection served to callers.
type PortfolioSummary struct {
	UserID            string
	BaseCurrency      string
	TotalValue        float64
	CostBasis         float64
	UnrealizedPnL     float64
	UnrealizedPnLPct  float64
	RealizedPnL       float64
	HoldingCount      int
	AllocationByAsset map[string]float64
	AllocationByClass map[AssetClass]float64
	Diversification   float64
	SyncStatus        SyncState
	SyncErrors        []string
	LastSyncAt        time.Time
}

// HoldingFilter narrows GetHoldings results.
type HoldingFilter struct {
	Assets   []string
	Exchange string
	MinValue float64
	HideZero bool
}
