// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — relational repository (migrations run here)
//  2. initRedis    — optional quota counters
//  3. initAdapters — adapter factory registration
//  4. initRouting  — pools, registry, engine, router, health checker
//  5. initServer   — HTTP facade
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/model-router/internal/adapters"
	anthropicad "github.com/nulpointcorp/model-router/internal/adapters/anthropic"
	googlead "github.com/nulpointcorp/model-router/internal/adapters/google"
	openaiad "github.com/nulpointcorp/model-router/internal/adapters/openai"
	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/quota"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/server"
	"github.com/nulpointcorp/model-router/internal/store"
	"github.com/nulpointcorp/model-router/internal/strategy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	st       *store.Store
	rdb      *redis.Client
	usage    *quota.Counter
	pools    *pool.Manager
	registry *registry.Registry
	engine   *strategy.Engine
	router   *router.Router
	checker  *health.Checker
	prom     *metrics.Registry
	audit    *logger.Logger
	srv      *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a := &App{cfg: cfg, log: log, version: version}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"redis", a.initRedis},
		{"adapters", a.initAdapters},
		{"routing", a.initRouting},
		{"server", a.initServer},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	st, err := store.Open(a.cfg.DatabaseURL, store.PoolSettings{
		PoolSize:    a.cfg.DB.PoolSize,
		MaxOverflow: a.cfg.DB.MaxOverflow,
		PoolRecycle: a.cfg.DB.PoolRecycle,
	}, a.log)
	if err != nil {
		return err
	}
	a.st = st
	return nil
}

// initRedis connects the optional quota backend. A missing Redis degrades to
// repository-only usage accounting rather than failing startup.
func (a *App) initRedis(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.log.Warn("app: redis unreachable, quota counters disabled",
			slog.String("error", err.Error()))
		rdb.Close()
		return nil
	}
	a.rdb = rdb
	a.usage = quota.NewCounter(rdb)
	return nil
}

func (a *App) initAdapters(context.Context) error {
	adapters.Register(store.ProviderOpenAI, openaiad.New)
	adapters.Register(store.ProviderAnthropic, anthropicad.New)
	adapters.Register(store.ProviderGoogle, googlead.New)
	// OpenAI-compatible backends share the openai client.
	adapters.Register(store.ProviderVolcengine, openaiad.New)
	adapters.Register(store.ProviderCustom, openaiad.New)
	adapters.Register(store.ProviderPrivate, openaiad.New)
	return nil
}

func (a *App) initRouting(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.registry = registry.New(a.st, a.log)
	a.pools = pool.NewManager(a.cfg.Pool, a.adapterSettings, a.log)
	a.pools.SetObserver(a.prom)

	var usage strategy.UsageCounter
	if a.usage != nil {
		usage = a.usage
	}
	breaker := strategy.NewBreaker(a.cfg.CircuitBreaker.Threshold, a.cfg.CircuitBreaker.Timeout)
	a.engine = strategy.NewEngine(a.pools, a.st, breaker, usage, a.cfg.LoadBalancing.Strategy, a.log)
	a.engine.SetObserver(a.prom)
	a.router = router.New(a.registry, a.engine, a.log)
	a.checker = health.NewChecker(a.registry, a.pools, a.st,
		a.cfg.LoadBalancing.HealthCheckInterval, a.log)
	a.checker.SetObserver(a.prom)

	// Preload routable models and pre-warm their pools so the first request
	// doesn't pay the construction cost.
	if err := a.registry.RefreshAll(ctx); err != nil {
		a.log.Warn("app: registry preload failed", slog.String("error", err.Error()))
		return nil
	}
	for _, model := range a.registry.CachedModelNames() {
		cfg, err := a.registry.Resolve(ctx, model)
		if err != nil || cfg == nil {
			continue
		}
		for _, rp := range cfg.Providers {
			a.pools.Warm(ctx, pool.Key{Model: model, Provider: rp.Provider.Name})
		}
	}
	return nil
}

func (a *App) initServer(context.Context) error {
	a.audit = logger.New(a.log)
	a.srv = server.New(a.router, a.st, a.checker, a.pools, a.prom, a.cfg, a.version, a.log)
	a.srv.SetAuditLogger(a.audit)
	return nil
}

// adapterSettings resolves the upstream tuple for one pool key through the
// registry, so pools always construct adapters with current credentials.
func (a *App) adapterSettings(ctx context.Context, k pool.Key) (adapters.Settings, error) {
	cfg, err := a.registry.Resolve(ctx, k.Model)
	if err != nil {
		return adapters.Settings{}, err
	}
	if cfg == nil {
		return adapters.Settings{}, fmt.Errorf("app: model %q has no routable configuration", k.Model)
	}
	for _, rp := range cfg.Providers {
		if rp.Provider.Name == k.Provider {
			return adapters.Settings{
				ProviderType: rp.Provider.ProviderType,
				ProviderName: rp.Provider.Name,
				BaseURL:      rp.Provider.BaseURL(),
				Model:        k.Model,
				APIKey:       rp.APIKey.Secret,
				APIKeyID:     rp.APIKey.ID,
			}, nil
		}
	}
	return adapters.Settings{}, fmt.Errorf("app: provider %q not linked to model %q", k.Provider, k.Model)
}

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("strategy", a.cfg.LoadBalancing.Strategy),
		slog.Bool("quota", a.usage != nil),
	)

	a.pools.Start()
	a.checker.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		a.dailyResetLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// dailyResetLoop clears key usage counters at every UTC midnight.
func (a *App) dailyResetLoop(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		n, err := a.st.ResetDailyUsage(rctx)
		cancel()
		if err != nil {
			a.log.Error("daily usage reset failed", slog.String("error", err.Error()))
			continue
		}
		a.log.Info("daily usage reset", slog.Int64("keys", n))
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit logger close error", slog.String("error", err.Error()))
		}
		a.audit = nil
	}
	if a.checker != nil {
		a.checker.Close()
		a.checker = nil
	}
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	if a.pools != nil {
		a.pools.Close()
		a.pools = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
