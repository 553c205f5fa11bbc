package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/crossfolio/internal/blob/s3"
	"github.com/alanyoungcy/crossfolio/internal/exchange"
	"github.com/alanyoungcy/crossfolio/internal/exchange/binance"
	"github.com/alanyoungcy/crossfolio/internal/exchange/bybit"
	"github.com/alanyoungcy/crossfolio/internal/exchange/kucoin"
	"github.com/alanyoungcy/crossfolio/internal/feed"
	"github.com/alanyoungcy/crossfolio/internal/marketdata"
	"github.com/alanyoungcy/crossfolio/internal/portfolio"
	"github.com/alanyoungcy/crossfolio/internal/registry"
	"github.com/alanyoungcy/crossfolio/internal/server"
	"github.com/alanyoungcy/crossfolio/internal/server/handler"
	"github.com/alanyoungcy/crossfolio/internal/server/ws"
)

// services bundles the domain services built on top of the wired
// infrastructure. Reconciler and ledger are nil in market-only mode.
type services struct {
	registry   *registry.Registry
	aggregator *marketdata.Aggregator
	reconciler *portfolio.Reconciler
	ledger     *portfolio.TradeLedger
}

// buildServices constructs the registry, aggregator, and (when persistence is
// wired) the reconciler and trade ledger.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	factory, err := exchange.NewFactory(exchange.FactoryConfig{
		Enabled: a.cfg.Registry.SupportedExchanges,
		Binance: binance.Config{
			Testnet:    a.cfg.Exchanges.Binance.Testnet,
			RatePerSec: a.cfg.Exchanges.Binance.RatePerSec,
			Burst:      a.cfg.Exchanges.Binance.Burst,
		},
		Bybit: bybit.Config{
			BaseURL:    a.cfg.Exchanges.Bybit.BaseURL,
			RatePerSec: a.cfg.Exchanges.Bybit.RatePerSec,
			Burst:      a.cfg.Exchanges.Bybit.Burst,
		},
		Kucoin: kucoin.Config{
			BaseURL:    a.cfg.Exchanges.Kucoin.BaseURL,
			RatePerSec: a.cfg.Exchanges.Kucoin.RatePerSec,
			Burst:      a.cfg.Exchanges.Kucoin.Burst,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build services: factory: %w", err)
	}

	reg := registry.New(factory, deps.CredentialStore, registry.Config{
		IdleEviction:   a.cfg.Registry.IdleEviction.Duration,
		EvictionSweep:  a.cfg.Registry.EvictionSweep.Duration,
		RequestTimeout: a.cfg.Registry.RequestTimeout.Duration,
	}, a.logger).WithNotifier(deps.Notifier)

	agg := marketdata.New(reg, marketdata.Config{
		TickerTTL:             a.cfg.Aggregator.TickerTTL.Duration,
		OrderbookTTL:          a.cfg.Aggregator.OrderbookTTL.Duration,
		TradesTTL:             a.cfg.Aggregator.TradesTTL.Duration,
		CandlesTTL:            a.cfg.Aggregator.CandlesTTL.Duration,
		RequestTimeout:        a.cfg.Registry.RequestTimeout.Duration,
		VolumeWeighted:        a.cfg.Aggregator.VolumeWeighted,
		MinArbitrageProfitPct: a.cfg.Aggregator.MinArbitrageProfitPct,
		OrderbookDepth:        a.cfg.Aggregator.OrderbookDepth,
		TradesLimit:           a.cfg.Aggregator.TradesLimit,
		CandlesLimit:          a.cfg.Aggregator.CandlesLimit,
		CandleInterval:        a.cfg.Aggregator.CandleInterval,
	}, a.logger)

	svc := &services{registry: reg, aggregator: agg}

	if deps.PortfolioStore != nil {
		svc.reconciler = portfolio.New(
			deps.PortfolioStore,
			deps.TradeStore,
			reg,
			agg,
			deps.SignalBus,
			deps.LockManager,
			deps.Notifier,
			portfolio.Config{
				BaseCurrency:    a.cfg.Portfolio.BaseCurrency,
				ResyncInterval:  a.cfg.Portfolio.ResyncInterval.Duration,
				ResyncBatchSize: a.cfg.Portfolio.ResyncBatchSize,
				Stablecoins:     a.cfg.Portfolio.StablecoinSet,
				RequestTimeout:  a.cfg.Registry.RequestTimeout.Duration,
			},
			a.logger,
		)
		svc.ledger = portfolio.NewTradeLedger(a.cfg.Feed.LedgerTTL.Duration)
	}

	return svc, nil
}

// newRefresher builds the watch-list refresher for modes that keep hot
// symbols warm.
func (a *App) newRefresher(deps *Dependencies, svc *services) *marketdata.Refresher {
	return marketdata.NewRefresher(
		svc.aggregator,
		deps.SignalBus,
		deps.QuoteMirror,
		deps.Notifier,
		marketdata.RefresherConfig{
			Interval:     a.cfg.Aggregator.RefreshInterval.Duration,
			Symbols:      a.cfg.Aggregator.WatchSymbols,
			MinProfitPct: a.cfg.Aggregator.MinArbitrageProfitPct,
		},
		a.logger,
	)
}

// startTradeFeed warms the ledger from the applied-trades stream and starts
// the feed consumer.
func (a *App) startTradeFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	tf := feed.NewTradeFeed(deps.SignalBus, svc.ledger, svc.reconciler, a.logger).
		WithReplayLimit(a.cfg.Feed.ReplayCount)
	g.Go(func() error {
		if err := tf.Warm(ctx); err != nil {
			a.logger.WarnContext(ctx, "trade feed warm failed, replays may double-apply",
				slog.String("error", err.Error()),
			)
		}
		return tf.Run(ctx)
	})
	g.Go(func() error {
		return svc.ledger.Run(ctx, a.cfg.Feed.LedgerSweep.Duration, a.logger)
	})
}

// startArchiver starts the daily snapshot archiver when blob storage is
// wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.BlobWriter == nil || deps.PortfolioStore == nil {
		return
	}
	archiver := s3blob.NewSnapshotArchiver(
		deps.BlobWriter,
		deps.BlobReader,
		deps.BlobDeleter,
		deps.PortfolioStore,
		a.logger,
	).WithPrefix(a.cfg.Archive.Prefix)
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	g.Go(func() error {
		return archiver.Run(ctx, interval, retention)
	})
}

// MarketMode runs the market data plane only: shared venue clients, the quote
// cache, and the watch-list refresher. No persistence is required.
func (a *App) MarketMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting market mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("market mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.registry.Run(ctx)
	})
	g.Go(func() error {
		return a.newRefresher(deps, svc).Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	err = g.Wait()
	svc.registry.Close()
	return err
}

// PortfolioMode runs the reconciliation plane: periodic resyncs, the trade
// feed, and snapshot archival. The HTTP API is optional.
func (a *App) PortfolioMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting portfolio mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("portfolio mode: %w", err)
	}
	if svc.reconciler == nil {
		return fmt.Errorf("portfolio mode: postgres is required")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.registry.Run(ctx)
	})
	g.Go(func() error {
		return svc.reconciler.Run(ctx)
	})
	a.startTradeFeed(ctx, g, deps, svc)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	err = g.Wait()
	svc.registry.Close()
	return err
}

// ServerMode runs the API surface only: all reads and mutations happen
// on demand, with no background refresh or resync loops. Intended for
// horizontally scaled API instances in front of a full/portfolio worker.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("server mode: server.enabled must be true")
	}

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.registry.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, svc)

	err = g.Wait()
	svc.registry.Close()
	return err
}

// FullMode runs everything: market data refresh, portfolio reconciliation,
// the trade feed, archival, and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if svc.reconciler == nil {
		return fmt.Errorf("full mode: postgres is required")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.registry.Run(ctx)
	})
	g.Go(func() error {
		return a.newRefresher(deps, svc).Run(ctx)
	})
	g.Go(func() error {
		return svc.reconciler.Run(ctx)
	})
	a.startTradeFeed(ctx, g, deps, svc)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	err = g.Wait()
	svc.registry.Close()
	return err
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. Portfolio routes are registered only when the reconciler
// exists; quote and exchange routes are always available.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	}).WithQuoteSnapshot(deps.QuoteMirror, a.cfg.Aggregator.WatchSymbols)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Quotes: handler.NewQuoteHandler(svc.aggregator, a.logger).
			WithMirror(deps.QuoteMirror),
		Exchanges: handler.NewExchangeHandler(svc.registry, a.logger),
		Stats: handler.NewStatsHandler(svc.aggregator, a.cfg.Mode, startedAt, a.logger).
			WithSubscribers(hub),
	}
	if svc.reconciler != nil {
		handlers.Portfolios = handler.NewPortfolioHandler(svc.reconciler, deps.TradeStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
