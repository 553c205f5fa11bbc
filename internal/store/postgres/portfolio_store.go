package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL. Holdings
// and the performance series are stored as JSONB documents; the reconciler
// owns all mutation, so the row is a snapshot, not a ledger.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioStore creates a PortfolioStore backed by the given pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

// holdingDoc is the persisted JSON shape of one holding. Kept separate from
// the domain type so the stored schema survives domain refactors.
type holdingDoc struct {
	Asset           string             `json:"asset"`
	TotalAmount     float64            `json:"total_amount"`
	AvailableAmount float64            `json:"available_amount"`
	LockedAmount    float64            `json:"locked_amount"`
	CostBasis       float64            `json:"cost_basis"`
	CurrentPrice    float64            `json:"current_price"`
	CurrentValue    float64            `json:"current_value"`
	UnrealizedPnL   float64            `json:"unrealized_pnl"`
	RealizedPnL     float64            `json:"realized_pnl"`
	ByExchange      map[string]float64 `json:"by_exchange"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type performanceDoc struct {
	Date   time.Time `json:"date"`
	Value  float64   `json:"value"`
	PnL    float64   `json:"pnl"`
	PnLPct float64   `json:"pnl_pct"`
}

func encodeHoldings(holdings map[string]*domain.Holding) ([]byte, error) {
	docs := make(map[string]holdingDoc, len(holdings))
	for asset, h := range holdings {
		docs[asset] = holdingDoc{
			Asset:           h.Asset,
			TotalAmount:     h.TotalAmount,
			AvailableAmount: h.AvailableAmount,
			LockedAmount:    h.LockedAmount,
			CostBasis:       h.CostBasis,
			CurrentPrice:    h.CurrentPrice,
			CurrentValue:    h.CurrentValue,
			UnrealizedPnL:   h.UnrealizedPnL,
			RealizedPnL:     h.RealizedPnL,
			ByExchange:      h.ByExchange,
			UpdatedAt:       h.UpdatedAt,
		}
	}
	return json.Marshal(docs)
}

func decodeHoldings(data []byte) (map[string]*domain.Holding, error) {
	var docs map[string]holdingDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	holdings := make(map[string]*domain.Holding, len(docs))
	for asset, d := range docs {
		byExchange := d.ByExchange
		if byExchange == nil {
			byExchange = make(map[string]float64)
		}
		holdings[asset] = &domain.Holding{
			Asset:           d.Asset,
			TotalAmount:     d.TotalAmount,
			AvailableAmount: d.AvailableAmount,
			LockedAmount:    d.LockedAmount,
			CostBasis:       d.CostBasis,
			CurrentPrice:    d.CurrentPrice,
			CurrentValue:    d.CurrentValue,
			UnrealizedPnL:   d.UnrealizedPnL,
			RealizedPnL:     d.RealizedPnL,
			ByExchange:      byExchange,
			UpdatedAt:       d.UpdatedAt,
		}
	}
	return holdings, nil
}

func encodePerformance(points []domain.PerformancePoint) ([]byte, error) {
	docs := make([]performanceDoc, len(points))
	for i, p := range points {
		docs[i] = performanceDoc(p)
	}
	return json.Marshal(docs)
}

func decodePerformance(data []byte) ([]domain.PerformancePoint, error) {
	var docs []performanceDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	points := make([]domain.PerformancePoint, len(docs))
	for i, d := range docs {
		points[i] = domain.PerformancePoint(d)
	}
	return points, nil
}

// Save upserts the portfolio snapshot keyed by user ID.
func (s *PortfolioStore) Save(ctx context.Context, p *domain.Portfolio) error {
	holdings, err := encodeHoldings(p.Holdings)
	if err != nil {
		return fmt.Errorf("postgres: encode holdings %s: %w", p.UserID, err)
	}
	performance, err := encodePerformance(p.Performance)
	if err != nil {
		return fmt.Errorf("postgres: encode performance %s: %w", p.UserID, err)
	}
	allocAsset, err := json.Marshal(p.AllocationByAsset)
	if err != nil {
		return fmt.Errorf("postgres: encode allocations %s: %w", p.UserID, err)
	}
	allocClass, err := json.Marshal(p.AllocationByClass)
	if err != nil {
		return fmt.Errorf("postgres: encode class allocations %s: %w", p.UserID, err)
	}

	const query = `
		INSERT INTO portfolios (
			user_id, base_currency, holdings, total_value, cost_basis,
			allocation_by_asset, allocation_by_class, diversification,
			performance, sync_status, sync_errors, last_sync_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14
		)
		ON CONFLICT (user_id) DO UPDATE SET
			base_currency       = EXCLUDED.base_currency,
			holdings            = EXCLUDED.holdings,
			total_value         = EXCLUDED.total_value,
			cost_basis          = EXCLUDED.cost_basis,
			allocation_by_asset = EXCLUDED.allocation_by_asset,
			allocation_by_class = EXCLUDED.allocation_by_class,
			diversification     = EXCLUDED.diversification,
			performance         = EXCLUDED.performance,
			sync_status         = EXCLUDED.sync_status,
			sync_errors         = EXCLUDED.sync_errors,
			last_sync_at        = EXCLUDED.last_sync_at,
			updated_at          = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		p.UserID, p.BaseCurrency, holdings,
		p.TotalValue.Current, p.TotalValue.CostBasis,
		allocAsset, allocClass, p.Diversification,
		performance, string(p.SyncStatus), p.SyncErrors, nullableTime(p.LastSyncAt),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save portfolio %s: %w", p.UserID, err)
	}
	return nil
}

// Load returns the portfolio for userID, or domain.ErrNotFound.
func (s *PortfolioStore) Load(ctx context.Context, userID string) (*domain.Portfolio, error) {
	const query = `
		SELECT user_id, base_currency, holdings, total_value, cost_basis,
		       allocation_by_asset, allocation_by_class, diversification,
		       performance, sync_status, sync_errors, last_sync_at,
		       created_at, updated_at
		FROM portfolios WHERE user_id = $1`

	var (
		p           domain.Portfolio
		holdings    []byte
		allocAsset  []byte
		allocClass  []byte
		performance []byte
		status      string
		lastSync    *time.Time
	)
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.BaseCurrency, &holdings,
		&p.TotalValue.Current, &p.TotalValue.CostBasis,
		&allocAsset, &allocClass, &p.Diversification,
		&performance, &status, &p.SyncErrors, &lastSync,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load portfolio %s: %w", userID, err)
	}

	if p.Holdings, err = decodeHoldings(holdings); err != nil {
		return nil, fmt.Errorf("postgres: decode holdings %s: %w", userID, err)
	}
	if p.Performance, err = decodePerformance(performance); err != nil {
		return nil, fmt.Errorf("postgres: decode performance %s: %w", userID, err)
	}
	if err := json.Unmarshal(allocAsset, &p.AllocationByAsset); err != nil {
		return nil, fmt.Errorf("postgres: decode allocations %s: %w", userID, err)
	}
	if err := json.Unmarshal(allocClass, &p.AllocationByClass); err != nil {
		return nil, fmt.Errorf("postgres: decode class allocations %s: %w", userID, err)
	}
	p.SyncStatus = domain.SyncState(status)
	if lastSync != nil {
		p.LastSyncAt = *lastSync
	}
	return &p, nil
}

// ListUserIDs returns every user with a persisted portfolio.
func (s *PortfolioStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM portfolios ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list portfolio users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan portfolio user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list portfolio users: %w", err)
	}
	return ids, nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.PortfolioStore = (*PortfolioStore)(nil)
