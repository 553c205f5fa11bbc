// Package registry owns the lifecycle of per-user exchange connections:
// creation with credential validation, lookup, health tracking, and idle
// eviction. It also hands out shared credential-less market-data clients.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/notify"
)

// ClientBuilder constructs venue clients. The static exchange factory is the
// production implementation.
type ClientBuilder interface {
	Build(name string, creds domain.Credentials, sandbox bool) (domain.ExchangeClient, error)
	Supports(name string) bool
	Supported() []string
}

// Config carries registry parameters.
type Config struct {
	// IdleEviction is how long a connection may go unused before the sweep
	// removes it.
	IdleEviction time.Duration
	// EvictionSweep is the interval between eviction passes.
	EvictionSweep time.Duration
	// RequestTimeout bounds the validation call issued by Connect.
	RequestTimeout time.Duration
}

// Connection is one live (user, exchange) registry entry.
type Connection struct {
	id        string
	userID    string
	exchange  string
	sandbox   bool
	client    domain.ExchangeClient
	createdAt time.Time

	mu         sync.Mutex
	health     domain.ConnectionHealth
	lastUsedAt time.Time
}

// Client returns the live exchange client handle.
func (c *Connection) Client() domain.ExchangeClient { return c.client }

// ID returns the connection identifier assigned at Connect time.
func (c *Connection) ID() string { return c.id }

// Info returns a read-only snapshot of the entry.
func (c *Connection) Info() domain.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnectionInfo{
		ID:         c.id,
		UserID:     c.userID,
		Exchange:   c.exchange,
		Sandbox:    c.sandbox,
		Health:     c.health,
		CreatedAt:  c.createdAt,
		LastUsedAt: c.lastUsedAt,
	}
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsedAt = now
	c.mu.Unlock()
}

func (c *Connection) setHealth(h domain.ConnectionHealth) domain.ConnectionHealth {
	c.mu.Lock()
	prev := c.health
	c.health = h
	c.mu.Unlock()
	return prev
}

type connKey struct {
	userID   string
	exchange string
}

// Registry is the process-wide connection owner. It implements
// domain.ClientSource for the aggregator and reconciler.
type Registry struct {
	builder  ClientBuilder
	creds    domain.CredentialStore // nil disables credential persistence
	notifier *notify.Notifier       // nil disables connection-lost alerts
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	conns   map[connKey]*Connection
	markets map[string]domain.ExchangeClient // shared credential-less clients

	sweeping atomic.Bool
}

var _ domain.ClientSource = (*Registry)(nil)

// New creates a Registry. creds may be nil when credential persistence is
// not wired (tests, market-only mode).
func New(builder ClientBuilder, creds domain.CredentialStore, cfg Config, logger *slog.Logger) *Registry {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 24 * time.Hour
	}
	if cfg.EvictionSweep <= 0 {
		cfg.EvictionSweep = time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Registry{
		builder: builder,
		creds:   creds,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "registry")),
		now:     time.Now,
		conns:   make(map[connKey]*Connection),
		markets: make(map[string]domain.ExchangeClient),
	}
}

// WithNotifier makes health transitions to unreachable raise a
// connection-lost alert.
func (r *Registry) WithNotifier(n *notify.Notifier) *Registry {
	r.notifier = n
	return r
}

// Connect validates the credentials with one authenticated balance fetch and
// registers the connection. A second Connect for the same (user, exchange)
// replaces the entry, closing the previous client handle first.
func (r *Registry) Connect(ctx context.Context, userID, exchange string, creds domain.Credentials, sandbox bool) (string, error) {
	if !r.builder.Supports(exchange) {
		return "", fmt.Errorf("registry: connect %s/%s: %w", userID, exchange, domain.ErrUnsupportedExchange)
	}

	client, err := r.builder.Build(exchange, creds, sandbox)
	if err != nil {
		return "", fmt.Errorf("registry: connect %s/%s: %w", userID, exchange, err)
	}

	testCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	err = client.TestConnection(testCtx)
	cancel()
	if err != nil {
		_ = client.Close()
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return "", fmt.Errorf("registry: connect %s/%s: %w", userID, exchange, err)
		}
		return "", fmt.Errorf("registry: connect %s/%s: %w: %v", userID, exchange, domain.ErrConnectionTestFailed, err)
	}

	if r.creds != nil {
		creds.Sandbox = sandbox
		if err := r.creds.Put(ctx, userID, exchange, creds); err != nil {
			_ = client.Close()
			return "", fmt.Errorf("registry: store credentials %s/%s: %w", userID, exchange, err)
		}
	}

	now := r.now()
	conn := &Connection{
		id:         uuid.New().String(),
		userID:     userID,
		exchange:   exchange,
		sandbox:    sandbox,
		client:     client,
		createdAt:  now,
		health:     domain.HealthConnected,
		lastUsedAt: now,
	}

	key := connKey{userID, exchange}
	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if prev != nil {
		// Last write wins; the old handle must not leak sockets.
		_ = prev.client.Close()
		r.logger.InfoContext(ctx, "connection replaced",
			slog.String("user_id", userID),
			slog.String("exchange", exchange),
		)
	} else {
		r.logger.InfoContext(ctx, "connection established",
			slog.String("user_id", userID),
			slog.String("exchange", exchange),
			slog.Bool("sandbox", sandbox),
		)
	}

	return conn.id, nil
}

// Get returns the live connection for (userID, exchange), bumping its
// last-used time, or nil when absent.
func (r *Registry) Get(userID, exchange string) *Connection {
	r.mu.RLock()
	conn := r.conns[connKey{userID, exchange}]
	r.mu.RUnlock()
	if conn == nil {
		return nil
	}
	conn.touch(r.now())
	return conn
}

// Disconnect removes the connection, closes its client handle, and drops the
// stored credentials so the entry cannot be rebuilt. It reports whether a
// live connection or a stored credential existed.
func (r *Registry) Disconnect(ctx context.Context, userID, exchange string) bool {
	key := connKey{userID, exchange}
	r.mu.Lock()
	conn := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()

	var credsDropped bool
	if r.creds != nil {
		switch err := r.creds.Delete(ctx, userID, exchange); {
		case err == nil:
			credsDropped = true
		case !errors.Is(err, domain.ErrNotFound):
			r.logger.WarnContext(ctx, "delete stored credentials failed",
				slog.String("user_id", userID),
				slog.String("exchange", exchange),
				slog.String("error", err.Error()),
			)
		}
	}

	if conn == nil {
		return credsDropped
	}
	_ = conn.client.Close()
	r.logger.InfoContext(ctx, "connection closed",
		slog.String("user_id", userID),
		slog.String("exchange", exchange),
	)
	return true
}

// ListForUser returns snapshots of the user's connections, sorted by
// exchange name.
func (r *Registry) ListForUser(userID string) []domain.ConnectionInfo {
	r.mu.RLock()
	var out []domain.ConnectionInfo
	for key, conn := range r.conns {
		if key.userID == userID {
			out = append(out, conn.Info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// EvictIdle removes connections unused for longer than maxIdle and returns
// how many were evicted.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var victims []*Connection
	for key, conn := range r.conns {
		conn.mu.Lock()
		idle := conn.lastUsedAt.Before(cutoff)
		conn.mu.Unlock()
		if idle {
			victims = append(victims, conn)
			delete(r.conns, key)
		}
	}
	r.mu.Unlock()

	for _, conn := range victims {
		_ = conn.client.Close()
		r.logger.Info("idle connection evicted",
			slog.String("user_id", conn.userID),
			slog.String("exchange", conn.exchange),
		)
	}
	return len(victims)
}

// Run drives the eviction sweep on a fixed schedule until ctx is cancelled.
// A slow sweep is never double-scheduled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.EvictionSweep)
	defer ticker.Stop()

	r.logger.Info("eviction loop started",
		slog.Duration("sweep", r.cfg.EvictionSweep),
		slog.Duration("max_idle", r.cfg.IdleEviction),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !r.sweeping.CompareAndSwap(false, true) {
				continue
			}
			n := r.EvictIdle(r.cfg.IdleEviction)
			r.sweeping.Store(false)
			if n > 0 {
				r.logger.Info("eviction sweep done", slog.Int("evicted", n))
			}
		}
	}
}

// Close tears down every connection. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[connKey]*Connection)
	markets := r.markets
	r.markets = make(map[string]domain.ExchangeClient)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.client.Close()
	}
	for _, c := range markets {
		_ = c.Close()
	}
}

// ---------------------------------------------------------------------------
// domain.ClientSource
// ---------------------------------------------------------------------------

// MarketClient returns the shared credential-less client for an exchange,
// building it on first use.
func (r *Registry) MarketClient(exchange string) (domain.ExchangeClient, error) {
	r.mu.RLock()
	client, ok := r.markets[exchange]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.markets[exchange]; ok {
		return client, nil
	}
	client, err := r.builder.Build(exchange, domain.Credentials{}, false)
	if err != nil {
		return nil, err
	}
	r.markets[exchange] = client
	return client, nil
}

// MarketExchanges returns the venues market data can be fetched from.
func (r *Registry) MarketExchanges() []string {
	return r.builder.Supported()
}

// UserClient returns the authenticated client for (userID, exchange). An
// entry dropped by idle eviction or a restart is rebuilt from stored
// credentials.
func (r *Registry) UserClient(userID, exchange string) (domain.ExchangeClient, error) {
	if conn := r.Get(userID, exchange); conn != nil {
		return conn.client, nil
	}
	conn, err := r.reconnect(userID, exchange)
	if err != nil {
		return nil, fmt.Errorf("registry: %s/%s: %w", userID, exchange, err)
	}
	return conn.client, nil
}

// reconnect rebuilds a connection from stored credentials. The credentials
// were validated at Connect time; the build is local, so no validation fetch
// is reissued here.
func (r *Registry) reconnect(userID, exchange string) (*Connection, error) {
	if r.creds == nil {
		return nil, domain.ErrNotConnected
	}
	if !r.builder.Supports(exchange) {
		return nil, domain.ErrUnsupportedExchange
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	creds, err := r.creds.Get(ctx, userID, exchange)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotConnected
		}
		return nil, err
	}

	client, err := r.builder.Build(exchange, creds, creds.Sandbox)
	if err != nil {
		return nil, err
	}

	now := r.now()
	conn := &Connection{
		id:         uuid.New().String(),
		userID:     userID,
		exchange:   exchange,
		sandbox:    creds.Sandbox,
		client:     client,
		createdAt:  now,
		health:     domain.HealthConnected,
		lastUsedAt: now,
	}

	key := connKey{userID, exchange}
	r.mu.Lock()
	if existing := r.conns[key]; existing != nil {
		r.mu.Unlock()
		_ = client.Close()
		existing.touch(now)
		return existing, nil
	}
	r.conns[key] = conn
	r.mu.Unlock()

	r.logger.Info("connection rebuilt from stored credentials",
		slog.String("user_id", userID),
		slog.String("exchange", exchange),
	)
	return conn, nil
}

// UserExchanges returns the exchanges the user can be served on: live
// connections plus venues with stored credentials, which UserClient rebuilds
// on demand.
func (r *Registry) UserExchanges(userID string) []string {
	seen := make(map[string]bool)
	for _, info := range r.ListForUser(userID) {
		seen[info.Exchange] = true
	}

	if r.creds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
		stored, err := r.creds.ListExchanges(ctx, userID)
		cancel()
		if err != nil {
			r.logger.Warn("list stored credential exchanges failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		for _, exchange := range stored {
			seen[exchange] = true
		}
	}

	out := make([]string, 0, len(seen))
	for exchange := range seen {
		out = append(out, exchange)
	}
	sort.Strings(out)
	return out
}

// ReportHealth records the outcome of an upstream call against the
// connection's health. Timeouts and throttling mark the connection degraded;
// other failures mark it unreachable.
func (r *Registry) ReportHealth(userID, exchange string, err error) {
	if userID == "" {
		return // shared market clients carry no health state
	}
	r.mu.RLock()
	conn := r.conns[connKey{userID, exchange}]
	r.mu.RUnlock()
	if conn == nil {
		return
	}

	switch {
	case err == nil:
		conn.setHealth(domain.HealthConnected)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrRateLimited):
		conn.setHealth(domain.HealthDegraded)
	default:
		prev := conn.setHealth(domain.HealthUnreachable)
		if prev != domain.HealthUnreachable && r.notifier != nil {
			// Alert once per transition, not on every failed call.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = r.notifier.Notify(ctx, notify.EventConnectionLost, "Exchange connection lost",
					fmt.Sprintf("user %s: %s unreachable: %v", userID, exchange, err))
			}()
		}
	}
}
