package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/tradehook/internal/blob/s3"
	"github.com/alanyoungcy/tradehook/internal/cache/redis"
	"github.com/alanyoungcy/tradehook/internal/config"
	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/exchange"
	"github.com/alanyoungcy/tradehook/internal/metrics"
	"github.com/alanyoungcy/tradehook/internal/notify"
	"github.com/alanyoungcy/tradehook/internal/retry"
	"github.com/alanyoungcy/tradehook/internal/router"
	"github.com/alanyoungcy/tradehook/internal/server/handler"
	"github.com/alanyoungcy/tradehook/internal/service"
	"github.com/alanyoungcy/tradehook/internal/store/memory"
	"github.com/alanyoungcy/tradehook/internal/store/postgres"
)

// Dependencies bundles the infrastructure every run mode draws from. Optional
// pieces are nil when their backend is not configured.
type Dependencies struct {
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Exchanges *exchange.Registry
	Router    *router.Router
	Notifier  service.Notifier

	// HealthChecks are the backends checked by /api/health.
	HealthChecks map[string]handler.Pinger
}

// Wire connects the configured backends. The returned cleanup releases them
// in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: map[string]handler.Pinger{}}

	retrier := retry.New(retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration,
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
		Multiplier:     cfg.Retry.Multiplier,
		OnRetry: func(attempt int, err error) {
			metrics.StoreRetries.Inc()
			logger.Warn("store: retrying after transient error",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	})

	// --- Persistence ---
	switch cfg.Database.Backend {
	case "memory":
		logger.Warn("using in-memory store; positions are lost on restart")
		deps.PositionStore = memory.New()
		deps.AuditStore = memory.NewAuditLog()
	default:
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:         cfg.Database.DSN,
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			Database:    cfg.Database.Database,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.PoolMaxConns,
			MinConns:    cfg.Database.PoolMinConns,
			LockTimeout: cfg.Database.LockTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.PositionStore = postgres.NewPositionStore(pg.Pool(), retrier)
		deps.AuditStore = postgres.NewAuditStore(pg.Pool(), retrier)
		deps.HealthChecks["postgres"] = pg
	}

	// --- Redis, or single-process fallbacks ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, 0)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc, 0)
		deps.HealthChecks["redis"] = rc
	} else {
		logger.Info("redis disabled; using in-process price cache and event bus")
		deps.PriceCache = memory.NewPriceCache()
		deps.SignalBus = memory.NewBus(0)
	}

	// --- Object storage ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(sc)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), reader, deps.PositionStore, deps.PositionStore, deps.AuditStore)
		deps.HealthChecks["s3"] = sc
	}

	// --- Exchanges and routing ---
	reg, err := exchange.FromConfig(cfg, deps.PriceCache, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: exchanges: %w", err))
	}
	deps.Exchanges = reg
	deps.Router = router.New(routerConfig(cfg))

	if n := notify.FromConfig(cfg.Notify, logger); n != nil {
		deps.Notifier = n
	}

	return deps, cleanup, nil
}

// routerConfig maps account, routing and strategy sections onto the router.
func routerConfig(cfg *config.Config) router.Config {
	rc := router.Config{
		Rules:      make(map[string]router.Rule, len(cfg.Routing)),
		Strategies: make(map[string]router.Strategy, len(cfg.Strategies)),
		Defaults: router.Settings{
			Quantity:   cfg.Engine.DefaultPositionSize,
			Leverage:   cfg.Engine.DefaultLeverage,
			MarginMode: strings.ToLower(cfg.Engine.DefaultMarginMode),
		},
	}
	for _, name := range cfg.AccountNames() {
		acc := cfg.Accounts[name]
		rc.Accounts = append(rc.Accounts, router.Account{
			Name:         name,
			Exchange:     strings.ToLower(acc.Exchange),
			Enabled:      acc.IsEnabled(),
			SymbolsAllow: upper(acc.SymbolsAllow),
			SymbolsDeny:  upper(acc.SymbolsDeny),
			PositionSize: acc.PositionSize,
			Leverage:     acc.Leverage,
			MarginMode:   strings.ToLower(acc.MarginMode),
		})
	}
	for name, rule := range cfg.Routing {
		rc.Rules[name] = router.Rule{
			Accounts:       rule.Accounts,
			AllowedSymbols: upper(rule.AllowedSymbols),
			DeniedSymbols:  upper(rule.DeniedSymbols),
		}
	}
	for name, s := range cfg.Strategies {
		tp := make(map[string]float64, len(s.TPPercentages))
		for k, v := range s.TPPercentages {
			tp[strings.ToUpper(k)] = v
		}
		rc.Strategies[name] = router.Strategy{
			AllowedSymbols: upper(s.AllowedSymbols),
			DeniedSymbols:  upper(s.DeniedSymbols),
			TPPercentages:  tp,
		}
	}
	return rc
}

func upper(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
