// Package health probes upstream providers and keeps per-link health status
// current in the repository.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

const (
	// DefaultProbeTimeout bounds a single provider probe.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultSweepTimeout bounds one full sweep across all models.
	DefaultSweepTimeout = 60 * time.Second
)

// Observer receives per-link health verdicts for the metrics layer. A nil
// observer disables export.
type Observer interface {
	SetLinkHealth(model, provider string, v float64)
}

// Report is the outcome of checking one model: the aggregate status plus the
// per-provider breakdown.
type Report struct {
	Overall   store.HealthStatus
	Providers map[string]store.HealthStatus
}

// Checker runs health probes against every provider of a model, writes status
// changes through to the repository, and optionally sweeps on an interval.
type Checker struct {
	registry *registry.Registry
	pools    *pool.Manager
	store    *store.Store
	obs      Observer
	log      *slog.Logger
	interval time.Duration

	sweeps singleflight.Group

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewChecker builds a checker. interval <= 0 disables the background sweep.
func NewChecker(reg *registry.Registry, pools *pool.Manager, st *store.Store, interval time.Duration, log *slog.Logger) *Checker {
	return &Checker{
		registry: reg,
		pools:    pools,
		store:    st,
		log:      log,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetObserver installs the metrics observer.
func (c *Checker) SetObserver(o Observer) { c.obs = o }

// Start launches the periodic sweep. No-op when the interval is disabled.
func (c *Checker) Start() {
	if c.interval <= 0 {
		return
	}
	c.started = true
	go c.loop()
}

// Close stops the background sweep and waits for it to finish.
func (c *Checker) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}

func (c *Checker) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(context.Background())
		case <-c.stop:
			return
		}
	}
}

// Sweep checks every enabled model once. Concurrent callers share a single
// in-flight sweep.
func (c *Checker) Sweep(ctx context.Context) map[string]Report {
	v, _, _ := c.sweeps.Do("sweep", func() (any, error) {
		enabled := true
		models, err := c.store.GetAllModels(ctx, &enabled)
		if err != nil {
			c.log.Error("health: sweep model listing failed", slog.String("error", err.Error()))
			return map[string]Report{}, nil
		}
		names := make([]string, len(models))
		for i := range models {
			names[i] = models[i].Name
		}
		return c.CheckAll(ctx, names, DefaultSweepTimeout), nil
	})
	return v.(map[string]Report)
}

// CheckAll fans out per-model checks under one global deadline and aggregates
// the reports. Models that cannot be resolved report unknown.
func (c *Checker) CheckAll(ctx context.Context, names []string, timeout time.Duration) map[string]Report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		reports = make(map[string]Report, len(names))
		wg      sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			rep := c.checkOne(ctx, name)
			mu.Lock()
			reports[name] = rep
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return reports
}

func (c *Checker) checkOne(ctx context.Context, name string) Report {
	cfg, err := c.registry.Resolve(ctx, name)
	if err != nil || cfg == nil {
		if err != nil {
			c.log.Warn("health: resolve failed",
				slog.String("model", name), slog.String("error", err.Error()))
		}
		return Report{Overall: store.HealthUnknown, Providers: map[string]store.HealthStatus{}}
	}
	return c.CheckModel(ctx, cfg, DefaultProbeTimeout)
}

// CheckModel probes each provider of a resolved model concurrently with a
// per-probe timeout. If the surrounding deadline fires before every probe
// lands, the remaining providers are probed sequentially, best-effort, so a
// partial report is returned rather than an error. Every probe result writes
// through to the repository.
func (c *Checker) CheckModel(ctx context.Context, cfg *registry.ResolvedConfig, probeTimeout time.Duration) Report {
	statuses := make(map[string]store.HealthStatus, len(cfg.Providers))
	if len(cfg.Providers) == 0 {
		return Report{Overall: store.HealthUnknown, Providers: statuses}
	}

	var mu sync.Mutex
	finished := make(chan struct{})
	var wg sync.WaitGroup

	for i := range cfg.Providers {
		rp := cfg.Providers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := c.probe(ctx, cfg, &rp, probeTimeout)
			mu.Lock()
			statuses[rp.Provider.Name] = st
			mu.Unlock()
		}()
	}
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		// Deadline hit mid-flight. Probe whatever is still missing one at a
		// time on fresh short contexts so the report is as complete as we can
		// make it.
		for i := range cfg.Providers {
			rp := cfg.Providers[i]
			mu.Lock()
			_, have := statuses[rp.Provider.Name]
			mu.Unlock()
			if have {
				continue
			}
			st := c.probe(context.Background(), cfg, &rp, probeTimeout)
			mu.Lock()
			statuses[rp.Provider.Name] = st
			mu.Unlock()
		}
	}

	mu.Lock()
	snapshot := make(map[string]store.HealthStatus, len(statuses))
	for k, v := range statuses {
		snapshot[k] = v
	}
	mu.Unlock()

	return Report{Overall: aggregate(snapshot), Providers: snapshot}
}

// probe runs one provider's health check through its pooled adapter and
// writes the verdict to the repository. A probe failure never cancels peers;
// it just marks this provider unhealthy.
func (c *Checker) probe(ctx context.Context, cfg *registry.ResolvedConfig, rp *registry.ResolvedProvider, timeout time.Duration) store.HealthStatus {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := store.HealthHealthy
	lease, err := c.pools.Acquire(pctx, pool.Key{Model: cfg.ModelName, Provider: rp.Provider.Name})
	if err != nil {
		status = store.HealthUnhealthy
	} else {
		if err := lease.Adapter.HealthCheck(pctx); err != nil {
			status = store.HealthUnhealthy
			c.log.Warn("health: probe failed",
				slog.String("model", cfg.ModelName),
				slog.String("provider", rp.Provider.Name),
				slog.String("error", err.Error()))
		}
		lease.Release()
	}

	if c.obs != nil {
		v := 1.0
		if status == store.HealthUnhealthy {
			v = 0
		}
		c.obs.SetLinkHealth(cfg.ModelName, rp.Provider.Name, v)
	}

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := c.store.UpdateLinkHealth(wctx, cfg.ModelID, rp.Provider.ID, status); err != nil {
		c.log.Warn("health: status write failed",
			slog.String("model", cfg.ModelName),
			slog.String("provider", rp.Provider.Name),
			slog.String("error", err.Error()))
	}
	return status
}

// aggregate folds per-provider statuses into the model's overall status:
// healthy iff all healthy, unhealthy iff all unhealthy, degraded otherwise.
// No probes means unknown.
func aggregate(statuses map[string]store.HealthStatus) store.HealthStatus {
	if len(statuses) == 0 {
		return store.HealthUnknown
	}
	healthy, unhealthy := 0, 0
	for _, s := range statuses {
		switch s {
		case store.HealthHealthy:
			healthy++
		case store.HealthUnhealthy:
			unhealthy++
		}
	}
	switch {
	case healthy == len(statuses):
		return store.HealthHealthy
	case unhealthy == len(statuses):
		return store.HealthUnhealthy
	default:
		return store.HealthDegraded
	}
}
