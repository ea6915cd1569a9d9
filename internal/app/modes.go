package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradehook/internal/pipeline"
	"github.com/alanyoungcy/tradehook/internal/server"
	"github.com/alanyoungcy/tradehook/internal/server/handler"
	"github.com/alanyoungcy/tradehook/internal/server/ws"
	"github.com/alanyoungcy/tradehook/internal/service"
)

const shutdownTimeout = 10 * time.Second

// components are the services built on top of Dependencies.
type components struct {
	deps       *Dependencies
	publisher  *service.Publisher
	monitor    *service.Monitor
	engine     *service.Engine
	recent     *service.RecentEvents
	reconciler *service.Reconciler
}

func (a *App) components(deps *Dependencies) *components {
	pub := service.NewPublisher(deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)
	mon := service.NewMonitor(deps.PositionStore, deps.Exchanges, pub, service.MonitorConfig{
		Interval:     a.cfg.Monitor.Interval.Duration,
		ErrorBackoff: a.cfg.Monitor.ErrorBackoff.Duration,
	}, a.logger)
	recent := service.NewRecentEvents(a.cfg.Webhook.DedupeTTL.Duration)
	eng := service.NewEngine(
		deps.PositionStore,
		deps.Router,
		deps.Exchanges,
		recent,
		mon,
		pub,
		service.EngineConfig{DefaultTPFraction: a.cfg.Engine.DefaultTPFraction},
		a.logger,
	)
	rec := service.NewReconciler(
		deps.PositionStore, deps.Exchanges, deps.LockManager,
		a.cfg.Reconcile.LockTTL.Duration, mon, pub, a.logger,
	)
	return &components{deps: deps, publisher: pub, monitor: mon, engine: eng, recent: recent, reconciler: rec}
}

// FullMode serves HTTP and runs the monitor and scheduled jobs in one
// process.
func (a *App) FullMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, c, false); err != nil {
		return err
	}
	a.startMonitor(ctx, g, c)
	a.startHTTP(ctx, g, c, c.monitor)
	return g.Wait()
}

// APIMode serves HTTP only. Entries are still tracked locally so /api/monitor
// reflects them, but price-triggered exits are left to a worker.
func (a *App) APIMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTP(ctx, g, c, c.monitor)
	return g.Wait()
}

// WorkerMode runs the monitor and scheduled jobs without HTTP. The monitor
// registry is reloaded on the reconcile schedule to pick up positions opened
// by API replicas.
func (a *App) WorkerMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, c, true); err != nil {
		return err
	}
	a.startMonitor(ctx, g, c)
	return g.Wait()
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, c *components) {
	if !a.cfg.Monitor.Enabled {
		a.logger.InfoContext(ctx, "price monitor disabled")
		return
	}
	g.Go(func() error {
		if err := c.monitor.Load(ctx); err != nil {
			// An empty registry still lets new entries register.
			a.logger.ErrorContext(ctx, "monitor load failed", slog.String("error", err.Error()))
		}
		return c.monitor.Run(ctx)
	})
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, c *components, reload bool) error {
	sched := pipeline.NewScheduler(a.logger)
	jobs := 0

	if a.cfg.Reconcile.Enabled {
		err := sched.Add("reconcile", a.cfg.Reconcile.Schedule, func(ctx context.Context) error {
			_, err := c.reconciler.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
		jobs++
		if reload && a.cfg.Monitor.Enabled {
			if err := sched.Add("monitor_reload", a.cfg.Reconcile.Schedule, c.monitor.Load); err != nil {
				return err
			}
		}
	}

	if a.cfg.Archive.Enabled {
		if c.deps.Archiver == nil {
			return fmt.Errorf("app: archive enabled but object storage is not configured")
		}
		job := pipeline.NewArchiveJob(c.deps.Archiver, a.cfg.Archive.Days, a.logger)
		if err := sched.Add("archive", a.cfg.Archive.Schedule, job.Run); err != nil {
			return err
		}
		jobs++
	}

	if jobs == 0 {
		a.logger.InfoContext(ctx, "no scheduled jobs enabled")
		return nil
	}
	g.Go(func() error { return sched.Run(ctx) })
	return nil
}

func (a *App) startHTTP(ctx context.Context, g *errgroup.Group, c *components, mon handler.MonitorStatuser) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}
	deps := c.deps

	// Webhooks are the only writers of the recent-event cache.
	g.Go(func() error { return c.recent.Run(ctx, 0) })

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Channel: service.PositionsChannel,
		Stream:  service.PositionsStream,
		Mode:    strings.ToLower(a.cfg.Mode),
	})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Webhook:   handler.NewWebhookHandler(a.cfg.Webhook.Passphrase, deps.PositionStore, c.engine, a.logger),
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, deps.PositionStore, mon, a.logger),
		Positions: handler.NewPositionHandler(deps.PositionStore, a.logger),
		Accounts:  handler.NewAccountHandler(deps.Router, deps.Exchanges, a.logger),
		Admin:     handler.NewAdminHandler(c.reconciler, deps.PriceCache, deps.AuditStore, deps.BlobReader, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Webhook.RateLimit,
		RateWindow:  a.cfg.Webhook.RateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
