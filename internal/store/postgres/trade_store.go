package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The primary key
// is (exchange, trade_id), so re-inserting a replayed fill is a no-op and
// the table doubles as a durable dedup record.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `trade_id, user_id, exchange, symbol, base_asset, quote_asset,
	side, price, amount, fee, fee_asset, executed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeFill, error) {
	var fills []domain.TradeFill
	for rows.Next() {
		var f domain.TradeFill
		var side string
		if err := rows.Scan(
			&f.ID, &f.UserID, &f.Exchange, &f.Symbol, &f.Base, &f.Quote,
			&side, &f.Price, &f.Amount, &f.Fee, &f.FeeAsset, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		f.Side = domain.TradeSide(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Insert records an applied fill. Replays of an already-recorded
// (exchange, trade_id) pair are silently dropped.
func (s *TradeStore) Insert(ctx context.Context, fill domain.TradeFill) error {
	const query = `
		INSERT INTO trades (
			trade_id, user_id, exchange, symbol, base_asset, quote_asset,
			side, price, amount, fee, fee_asset, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (exchange, trade_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.UserID, fill.Exchange, fill.Symbol, fill.Base, fill.Quote,
		string(fill.Side), fill.Price, fill.Amount, fill.Fee, fill.FeeAsset, fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", fill.Identity(), err)
	}
	return nil
}

// ListByUser returns the user's fills, newest first, with pagination and
// optional time filtering.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeFill, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", userID, err)
	}
	defer rows.Close()

	fills, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades %s: %w", userID, err)
	}
	return fills, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
