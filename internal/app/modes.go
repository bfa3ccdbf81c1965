package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bracketd/internal/broker"
	"bracketd/internal/coverage"
	"bracketd/internal/monitor"
	"bracketd/internal/server"
	"bracketd/internal/server/handler"
	"bracketd/internal/service"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// services bundles the lifecycle services shared by the HTTP server and the
// monitor loops.
type services struct {
	coverage *service.CoverageService
	adjust   *service.AdjustService
	close    *service.CloseService
	batch    *service.BatchService
}

// buildServices constructs the service layer on top of the wired dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	ev := coverage.NewEvaluator(a.cfg.Coverage.PriceDecimals)

	closeSvc := service.NewCloseService(
		deps.PositionStore, deps.OrderStore, deps.Gateways,
		deps.LockManager, deps.AuditStore, deps.SignalBus,
		service.CloseConfig{
			PollInterval: a.cfg.Close.PollInterval.Duration,
			PollTimeout:  a.cfg.Close.PollTimeout.Duration,
			LockTTL:      a.cfg.Close.LockTTL.Duration,
		},
		a.logger,
	)
	adjustSvc := service.NewAdjustService(
		deps.PositionStore, deps.OrderStore, deps.Gateways,
		deps.AuditStore, deps.SignalBus, ev, a.logger,
	)

	return &services{
		coverage: service.NewCoverageService(deps.PositionStore, deps.OrderStore, ev, a.logger),
		adjust:   adjustSvc,
		close:    closeSvc,
		batch: service.NewBatchService(
			deps.PositionStore, closeSvc, adjustSvc,
			a.cfg.Batch.MaxParallel, a.logger,
		),
	}
}

// ServeMode runs the HTTP API plus the broker order-update stream.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startOrderStream(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs the coverage sweep, the archive schedule, and the broker
// order-update stream without the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startMonitor(ctx, g, deps)
	a.startOrderStream(ctx, g, deps)

	return g.Wait()
}

// FullMode runs every subsystem: HTTP API, monitor loops, and the broker
// order-update stream.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)
	a.startMonitor(ctx, g, deps)
	a.startOrderStream(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer registers all handlers and runs the server until the
// context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Positions: handler.NewPositionHandler(
			deps.PositionStore, svcs.coverage, svcs.close, svcs.adjust, a.logger,
		),
		Batch: handler.NewBatchHandler(svcs.batch, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startMonitor runs the coverage sweep and, when scheduled, the cold archive.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	ev := coverage.NewEvaluator(a.cfg.Coverage.PriceDecimals)

	cov := monitor.NewCoverageMonitor(
		deps.PositionStore, deps.OrderStore, deps.Gateways,
		deps.PriceCache, deps.SignalBus, deps.Notifier, ev, a.logger,
	)

	var archive *monitor.ArchiveRunner
	if a.needsArchive() && deps.Archiver != nil {
		archive = monitor.NewArchiveRunner(deps.Archiver, a.cfg.Monitor.ArchiveRetentionDays, a.logger)
	}

	mon := monitor.NewMonitor(cov, archive, a.cfg.Monitor.SweepInterval.Duration, a.cfg.Monitor.ArchiveCron, a.logger)
	g.Go(func() error {
		return mon.Run(ctx)
	})
}

// startOrderStream connects to the broker's order-update websocket and routes
// updates through the applier. An empty stream_url disables the stream; close
// confirmation then relies on polling alone.
func (a *App) startOrderStream(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Broker.StreamURL == "" {
		a.logger.InfoContext(ctx, "order-update stream disabled (no stream_url)")
		return
	}

	applier := broker.NewApplier(
		deps.PositionStore, deps.OrderStore, deps.AuditStore, deps.SignalBus, a.logger,
	)

	stream := broker.NewStreamClient(a.cfg.Broker.StreamURL, a.logger)
	stream.OnOrderUpdate(applier.Handler(ctx))

	g.Go(func() error {
		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("order stream: connect: %w", err)
		}
		if err := stream.Subscribe(ctx, []string{a.cfg.Broker.AccountID}); err != nil {
			return fmt.Errorf("order stream: subscribe: %w", err)
		}
		a.logger.InfoContext(ctx, "order-update stream connected",
			slog.String("url", a.cfg.Broker.StreamURL),
			slog.String("account_id", a.cfg.Broker.AccountID),
		)

		<-ctx.Done()
		return stream.Close()
	})
}
