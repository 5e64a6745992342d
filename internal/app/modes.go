package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calebmoy/perpagent/internal/server"
	"github.com/calebmoy/perpagent/internal/server/handler"
	"github.com/calebmoy/perpagent/internal/server/ws"
	"github.com/calebmoy/perpagent/internal/service"
	"github.com/calebmoy/perpagent/internal/trading"
	"github.com/calebmoy/perpagent/internal/worker"
)

// services bundles the domain services shared by the operating modes.
type services struct {
	markets   *service.MarketService
	prices    *service.PriceService
	positions *service.PositionService
	lifecycle *service.LifecycleService
}

// buildServices assembles the service layer on top of the wired
// infrastructure dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	tcfg := a.cfg.Trading

	markets := service.NewMarketService(
		deps.Subgraph, deps.MarketStore, deps.MarketCache,
		tcfg.MarketTTL.Duration, a.logger,
	)
	prices := service.NewPriceService(
		deps.PriceFeed, deps.PriceCache, tcfg.PriceMaxAge.Duration, a.logger,
	)
	positions := service.NewPositionService(deps.PositionStore, deps.Subgraph, a.logger)

	guard := trading.NewGuard(deps.PositionStore, tcfg.FailOpen, a.logger)
	submitter := trading.NewSubmitter(deps.Sessions, tcfg.MaxAttempts, tcfg.BackoffBase.Duration, a.logger)
	resolver := trading.NewResolver(
		tcfg.ResolveDelay.Duration, tcfg.ResolveInterval.Duration,
		tcfg.ResolveMaxPolls, tcfg.CollateralTolerance, a.logger,
	)

	lifecycle := service.NewLifecycleService(service.LifecycleDeps{
		Venue:     a.cfg.Venue.Name,
		LiqBuffer: tcfg.LiquidationBuffer,
		Guard:     guard,
		Vault:     deps.Credentials,
		Markets:   markets,
		Prices:    prices,
		Submitter: submitter,
		Resolver:  resolver,
		Index:     deps.Subgraph,
		History:   deps.Subgraph,
		Store:     deps.PositionStore,
		Locks:     deps.LockManager,
		Bus:       deps.EventBus,
		Audit:     deps.AuditStore,
		Logger:    a.logger,
	})

	return &services{
		markets:   markets,
		prices:    prices,
		positions: positions,
		lifecycle: lifecycle,
	}
}

// ServerMode runs the HTTP API, the websocket hub, the notifier, and
// the cache refreshers. No reconciliation or archiving happens here.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startRefresher(ctx, g, svcs)
	a.startNotifier(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

// ReconcileMode runs only the background loops: index reconciliation
// for submitted positions, cache refresh, and archiving. Useful as a
// sidecar next to one or more server-mode instances.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startRefresher(ctx, g, svcs)
	a.startWorkers(ctx, g, deps, svcs)

	return g.Wait()
}

// FullMode runs every subsystem in one process: HTTP API, websocket
// hub, notifier, refreshers, reconciler, and archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startRefresher(ctx, g, svcs)
	a.startNotifier(ctx, g, deps)
	a.startWorkers(ctx, g, deps, svcs)
	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

func (a *App) startRefresher(ctx context.Context, g *errgroup.Group, svcs *services) {
	refresher := worker.NewRefresher(
		svcs.prices, svcs.markets,
		a.cfg.Trading.PriceMaxAge.Duration,
		a.cfg.Trading.MarketTTL.Duration,
		a.logger,
	)
	g.Go(func() error {
		return refresher.Run(ctx)
	})
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Worker.Enabled {
		a.logger.InfoContext(ctx, "background workers disabled by config")
		return
	}

	reconciler := worker.NewReconciler(
		svcs.lifecycle,
		a.cfg.Worker.ReconcileInterval.Duration,
		a.cfg.Worker.ReconcileBatch,
		a.logger,
	)
	g.Go(func() error {
		return reconciler.Run(ctx)
	})

	archiveWorker := worker.NewArchiveWorker(deps.Archiver, a.cfg.Worker.ArchiveRetentionDays, a.logger)
	g.Go(func() error {
		return archiveWorker.RunEvery(ctx, a.cfg.Worker.ArchiveInterval.Duration)
	})
}

// startHTTPServer registers the REST handlers and websocket hub and
// adds the server goroutines to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	hub := ws.NewHub(deps.EventBus, a.cfg.Venue.Name, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Markets:   handler.NewMarketHandler(svcs.markets, a.logger),
		Prices:    handler.NewPriceHandler(svcs.prices, a.logger),
		Positions: handler.NewPositionHandler(svcs.lifecycle, svcs.positions, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.AuthToken,
		RateLimiter: deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Minute,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
