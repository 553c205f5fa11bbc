package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// PortfolioSource provides the read access the archiver needs. The Postgres
// portfolio store satisfies it; the archiver never mutates portfolios.
type PortfolioSource interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	Load(ctx context.Context, userID string) (*domain.Portfolio, error)
}

// SnapshotArchiver implements domain.Archiver: it uploads one JSON snapshot
// per portfolio per day at snapshots/YYYY/MM/DD/{userID}.json and prunes
// snapshot objects past the retention cutoff. Re-running the archive on the
// same day overwrites that day's objects with fresher state.
type SnapshotArchiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	deleter    domain.BlobDeleter
	portfolios PortfolioSource
	prefix     string
	logger     *slog.Logger
	now        func() time.Time
}

// NewSnapshotArchiver creates a SnapshotArchiver.
func NewSnapshotArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	deleter domain.BlobDeleter,
	portfolios PortfolioSource,
	logger *slog.Logger,
) *SnapshotArchiver {
	return &SnapshotArchiver{
		writer:     writer,
		reader:     reader,
		deleter:    deleter,
		portfolios: portfolios,
		prefix:     defaultPrefix,
		logger:     logger.With(slog.String("component", "archiver")),
		now:        time.Now,
	}
}

const defaultPrefix = "snapshots/"

// WithPrefix overrides the key prefix snapshots are stored under. An empty
// prefix keeps the default.
func (a *SnapshotArchiver) WithPrefix(prefix string) *SnapshotArchiver {
	if prefix != "" {
		a.prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	return a
}

func (a *SnapshotArchiver) snapshotPath(userID string, day time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", a.prefix, day.UTC().Format("2006/01/02"), userID)
}

// snapshot is the archived JSON shape: the valuation state worth keeping
// for audit, without the live sync bookkeeping.
type snapshot struct {
	UserID            string                     `json:"user_id"`
	BaseCurrency      string                     `json:"base_currency"`
	TakenAt           time.Time                  `json:"taken_at"`
	TotalValue        float64                    `json:"total_value"`
	CostBasis         float64                    `json:"cost_basis"`
	Diversification   float64                    `json:"diversification"`
	AllocationByAsset map[string]float64         `json:"allocation_by_asset"`
	Holdings          map[string]snapshotHolding `json:"holdings"`
	Performance       []domain.PerformancePoint  `json:"performance,omitempty"`
}

type snapshotHolding struct {
	TotalAmount   float64            `json:"total_amount"`
	CostBasis     float64            `json:"cost_basis"`
	CurrentPrice  float64            `json:"current_price"`
	CurrentValue  float64            `json:"current_value"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	RealizedPnL   float64            `json:"realized_pnl"`
	ByExchange    map[string]float64 `json:"by_exchange"`
}

// ArchiveSnapshots uploads a snapshot of every persisted portfolio and
// returns the count uploaded. A failed upload is logged and skipped; the
// remaining portfolios still archive.
func (a *SnapshotArchiver) ArchiveSnapshots(ctx context.Context) (int64, error) {
	userIDs, err := a.portfolios.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots list users: %w", err)
	}

	now := a.now()
	var archived int64
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		if err := a.archiveOne(ctx, userID, now); err != nil {
			a.logger.WarnContext(ctx, "snapshot upload failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		archived++
	}

	a.logger.InfoContext(ctx, "snapshots archived",
		slog.Int64("count", archived),
		slog.Int("users", len(userIDs)),
	)
	return archived, nil
}

func (a *SnapshotArchiver) archiveOne(ctx context.Context, userID string, now time.Time) error {
	p, err := a.portfolios.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}

	snap := snapshot{
		UserID:            p.UserID,
		BaseCurrency:      p.BaseCurrency,
		TakenAt:           now.UTC(),
		TotalValue:        p.TotalValue.Current,
		CostBasis:         p.TotalValue.CostBasis,
		Diversification:   p.Diversification,
		AllocationByAsset: p.AllocationByAsset,
		Holdings:          make(map[string]snapshotHolding, len(p.Holdings)),
		Performance:       p.Performance,
	}
	for asset, h := range p.Holdings {
		snap.Holdings[asset] = snapshotHolding{
			TotalAmount:   h.TotalAmount,
			CostBasis:     h.CostBasis,
			CurrentPrice:  h.CurrentPrice,
			CurrentValue:  h.CurrentValue,
			UnrealizedPnL: h.UnrealizedPnL,
			RealizedPnL:   h.RealizedPnL,
			ByExchange:    h.ByExchange,
		}
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return a.writer.Put(ctx, a.snapshotPath(userID, now), bytes.NewReader(payload), "application/json")
}

// PruneSnapshots deletes snapshot objects last modified before the cutoff
// and returns the count deleted.
func (a *SnapshotArchiver) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	infos, err := a.reader.List(ctx, a.prefix)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune snapshots list: %w", err)
	}

	var pruned int64
	for _, info := range infos {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		if !info.LastModified.Before(before) {
			continue
		}
		if err := a.deleter.Delete(ctx, info.Path); err != nil {
			a.logger.WarnContext(ctx, "snapshot delete failed",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		pruned++
	}

	a.logger.InfoContext(ctx, "snapshots pruned",
		slog.Int64("count", pruned),
		slog.Time("before", before),
	)
	return pruned, nil
}

// Run uploads snapshots on the given interval, pruning anything older than
// retention after each pass. It blocks until ctx is cancelled.
func (a *SnapshotArchiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("archive loop started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveSnapshots(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
				continue
			}
			if retention > 0 {
				if _, err := a.PruneSnapshots(ctx, a.now().Add(-retention)); err != nil {
					a.logger.ErrorContext(ctx, "prune pass failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Compile-time interface check.
var _ domain.Archiver = (*SnapshotArchiver)(nil)
