package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PortfolioStore persists portfolio snapshots. Load returns ErrNotFound for
// unknown users.
type PortfolioStore interface {
	Load(ctx context.Context, userID string) (*Portfolio, error)
	Save(ctx context.Context, p *Portfolio) error
	ListUserIDs(ctx context.Context) ([]string, error)
}

// CredentialStore persists exchange API credentials, encrypted at rest.
type CredentialStore interface {
	Get(ctx context.Context, userID, exchange string) (Credentials, error)
	Put(ctx context.Context, userID, exchange string, creds Credentials) error
	Delete(ctx context.Context, userID, exchange string) error
	ListExchanges(ctx context.Context, userID string) ([]string, error)
}

// TradeStore persists applied trade fills.
type TradeStore interface {
	Insert(ctx context.Context, fill TradeFill) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]TradeFill, error)
}
