package s3blob

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossfolio/internal/domain"
)

// memBlobs is an in-memory blob backend for archiver tests.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
	now     time.Time
}

func newMemBlobs(now time.Time) *memBlobs {
	return &memBlobs{
		objects: make(map[string][]byte),
		mtimes:  make(map[string]time.Time),
		now:     now,
	}
}

func (m *memBlobs) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = payload
	m.mtimes[path] = m.now
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(payload))), nil
}

func (m *memBlobs) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []domain.BlobInfo
	for path, payload := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{
				Path:         path,
				Size:         int64(len(payload)),
				LastModified: m.mtimes[path],
			})
		}
	}
	return infos, nil
}

func (m *memBlobs) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.mtimes, path)
	return nil
}

// memPortfolios is a static PortfolioSource.
type memPortfolios struct {
	byUser map[string]*domain.Portfolio
}

func (m *memPortfolios) ListUserIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.byUser))
	for id := range m.byUser {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memPortfolios) Load(ctx context.Context, userID string) (*domain.Portfolio, error) {
	p, ok := m.byUser[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func TestArchiveSnapshotsWritesDatedObjects(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	blobs := newMemBlobs(now)
	source := &memPortfolios{byUser: map[string]*domain.Portfolio{
		"alice": {
			UserID:       "alice",
			BaseCurrency: "USDT",
			TotalValue:   domain.ValueTotals{Current: 101000, CostBasis: 90000},
			Holdings: map[string]*domain.Holding{
				"BTC": {Asset: "BTC", TotalAmount: 2, CurrentValue: 100000,
					ByExchange: map[string]float64{"binance": 2}},
			},
		},
		"bob": {UserID: "bob", BaseCurrency: "USDT"},
	}}

	arch := NewSnapshotArchiver(blobs, blobs, blobs, source, slog.Default())
	arch.now = func() time.Time { return now }

	count, err := arch.ArchiveSnapshots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	body, err := blobs.Get(context.Background(), "snapshots/2026/08/28/alice.json")
	require.NoError(t, err)
	defer body.Close()

	var snap snapshot
	require.NoError(t, json.NewDecoder(body).Decode(&snap))
	assert.Equal(t, "alice", snap.UserID)
	assert.InDelta(t, 101000.0, snap.TotalValue, 1e-9)
	assert.InDelta(t, 2.0, snap.Holdings["BTC"].TotalAmount, 1e-9)
}

func TestArchiverPrefixOverride(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	blobs := newMemBlobs(now)
	source := &memPortfolios{byUser: map[string]*domain.Portfolio{
		"alice": {UserID: "alice", BaseCurrency: "USDT"},
	}}

	arch := NewSnapshotArchiver(blobs, blobs, blobs, source, slog.Default()).
		WithPrefix("backups/daily")
	arch.now = func() time.Time { return now }

	_, err := arch.ArchiveSnapshots(context.Background())
	require.NoError(t, err)

	exists, err := blobs.Exists(context.Background(), "backups/daily/2026/08/28/alice.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPruneSnapshotsHonorsCutoff(t *testing.T) {
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs(now.AddDate(0, 0, -40))
	source := &memPortfolios{byUser: map[string]*domain.Portfolio{
		"alice": {UserID: "alice", BaseCurrency: "USDT"},
	}}

	arch := NewSnapshotArchiver(blobs, blobs, blobs, source, slog.Default())

	// Old snapshot, then a fresh one past the cutoff.
	arch.now = func() time.Time { return now.AddDate(0, 0, -40) }
	_, err := arch.ArchiveSnapshots(context.Background())
	require.NoError(t, err)

	blobs.now = now
	arch.now = func() time.Time { return now }
	_, err = arch.ArchiveSnapshots(context.Background())
	require.NoError(t, err)

	pruned, err := arch.PruneSnapshots(context.Background(), now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	exists, err := blobs.Exists(context.Background(), "snapshots/2026/08/28/alice.json")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = blobs.Exists(context.Background(), "snapshots/2026/07/19/alice.json")
	require.NoError(t, err)
	assert.False(t, exists)
}
