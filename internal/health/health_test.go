package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

type probeAdapter struct {
	name    string
	sick    bool
	metrics adapters.RollingMetrics
}

func (p *probeAdapter) Name() string { return p.name }
func (p *probeAdapter) ChatCompletion(context.Context, *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	return &adapters.ChatResponse{}, nil
}
func (p *probeAdapter) StreamChatCompletion(context.Context, *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	ch := make(chan adapters.StreamFrame)
	close(ch)
	return ch, nil
}
func (p *probeAdapter) HealthCheck(context.Context) error {
	if p.sick {
		return errors.New("probe: upstream refused")
	}
	return nil
}
func (p *probeAdapter) Metrics() *adapters.RollingMetrics { return &p.metrics }
func (p *probeAdapter) Close() error                      { return nil }

type fixture struct {
	checker  *Checker
	store    *store.Store
	registry *registry.Registry
	model    *store.Model
}

// sick maps provider name → whether its probe fails.
func newFixture(t *testing.T, sick map[string]bool) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:", store.PoolSettings{PoolSize: 1, PoolRecycle: time.Hour}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := &store.Model{Name: "probe-model", IsEnabled: true}
	if err := st.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	for name := range sick {
		p := &store.Provider{Name: name, ProviderType: "health-fake", IsEnabled: true}
		if err := st.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create provider: %v", err)
		}
		if err := st.CreateLink(ctx, &store.Link{ModelID: m.ID, ProviderID: p.ID,
			Weight: 1, IsEnabled: true, HealthStatus: store.HealthUnknown}); err != nil {
			t.Fatalf("create link: %v", err)
		}
		if err := st.CreateAPIKey(ctx, &store.APIKey{ProviderID: p.ID, Secret: "sk",
			Weight: 1, IsEnabled: true}); err != nil {
			t.Fatalf("create key: %v", err)
		}
	}

	adapters.Register("health-fake", func(_ context.Context, s adapters.Settings) (adapters.Adapter, error) {
		return &probeAdapter{name: s.ProviderName, sick: sick[s.ProviderName]}, nil
	})

	pm := pool.NewManager(config.PoolConfig{
		MinSize: 1, MaxSize: 2, MaxIdle: time.Minute, MaxUses: 1000,
		CleanupInterval: time.Minute, HealthInterval: time.Minute,
		AcquireTimeout: time.Second,
	}, func(_ context.Context, k pool.Key) (adapters.Settings, error) {
		return adapters.Settings{ProviderType: "health-fake", ProviderName: k.Provider}, nil
	}, log)
	t.Cleanup(pm.Close)

	reg := registry.New(st, log)
	return &fixture{
		checker:  NewChecker(reg, pm, st, 0, log),
		store:    st,
		registry: reg,
		model:    m,
	}
}

func TestAggregate(t *testing.T) {
	h := store.HealthHealthy
	u := store.HealthUnhealthy

	cases := []struct {
		name string
		in   map[string]store.HealthStatus
		want store.HealthStatus
	}{
		{"empty", map[string]store.HealthStatus{}, store.HealthUnknown},
		{"all healthy", map[string]store.HealthStatus{"a": h, "b": h}, store.HealthHealthy},
		{"all unhealthy", map[string]store.HealthStatus{"a": u, "b": u}, store.HealthUnhealthy},
		{"mixed", map[string]store.HealthStatus{"a": h, "b": u}, store.HealthDegraded},
		{"single healthy", map[string]store.HealthStatus{"a": h}, store.HealthHealthy},
	}
	for _, tc := range cases {
		if got := aggregate(tc.in); got != tc.want {
			t.Errorf("%s: aggregate = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCheckModelAllHealthy(t *testing.T) {
	f := newFixture(t, map[string]bool{"P1": false, "P2": false})

	cfg, err := f.registry.Resolve(context.Background(), f.model.Name)
	if err != nil || cfg == nil {
		t.Fatalf("resolve: cfg=%v err=%v", cfg, err)
	}

	rep := f.checker.CheckModel(context.Background(), cfg, time.Second)
	if rep.Overall != store.HealthHealthy {
		t.Fatalf("overall = %s, want healthy", rep.Overall)
	}
	if len(rep.Providers) != 2 {
		t.Fatalf("providers = %v", rep.Providers)
	}
}

func TestCheckModelDegradedAndWritesThrough(t *testing.T) {
	f := newFixture(t, map[string]bool{"P1": false, "P2": true})
	ctx := context.Background()

	cfg, err := f.registry.Resolve(ctx, f.model.Name)
	if err != nil || cfg == nil {
		t.Fatalf("resolve: cfg=%v err=%v", cfg, err)
	}

	rep := f.checker.CheckModel(ctx, cfg, time.Second)
	if rep.Overall != store.HealthDegraded {
		t.Fatalf("overall = %s, want degraded", rep.Overall)
	}
	if rep.Providers["P1"] != store.HealthHealthy || rep.Providers["P2"] != store.HealthUnhealthy {
		t.Fatalf("providers = %v", rep.Providers)
	}

	// Verdicts must land in the repository.
	for _, rp := range cfg.Providers {
		link, err := f.store.GetLink(ctx, cfg.ModelID, rp.Provider.ID)
		if err != nil || link == nil {
			t.Fatalf("link %s: %v", rp.Provider.Name, err)
		}
		want := store.HealthHealthy
		if rp.Provider.Name == "P2" {
			want = store.HealthUnhealthy
		}
		if link.HealthStatus != want {
			t.Fatalf("link %s health = %s, want %s", rp.Provider.Name, link.HealthStatus, want)
		}
	}
}

func TestCheckModelAllUnhealthy(t *testing.T) {
	f := newFixture(t, map[string]bool{"P1": true, "P2": true})

	cfg, err := f.registry.Resolve(context.Background(), f.model.Name)
	if err != nil || cfg == nil {
		t.Fatalf("resolve: cfg=%v err=%v", cfg, err)
	}

	rep := f.checker.CheckModel(context.Background(), cfg, time.Second)
	if rep.Overall != store.HealthUnhealthy {
		t.Fatalf("overall = %s, want unhealthy", rep.Overall)
	}
}

func TestCheckAllCoversEveryModel(t *testing.T) {
	f := newFixture(t, map[string]bool{"P1": false})

	reports := f.checker.CheckAll(context.Background(), []string{f.model.Name, "no-such-model"}, 5*time.Second)
	if len(reports) != 2 {
		t.Fatalf("reports = %v", reports)
	}
	if reports[f.model.Name].Overall != store.HealthHealthy {
		t.Fatalf("model report = %+v", reports[f.model.Name])
	}
	if reports["no-such-model"].Overall != store.HealthUnknown {
		t.Fatalf("unknown model report = %+v", reports["no-such-model"])
	}
}

func TestSweepChecksEnabledModels(t *testing.T) {
	f := newFixture(t, map[string]bool{"P1": false})

	reports := f.checker.Sweep(context.Background())
	rep, ok := reports[f.model.Name]
	if !ok {
		t.Fatalf("sweep missed %s: %v", f.model.Name, reports)
	}
	if rep.Overall != store.HealthHealthy {
		t.Fatalf("report = %+v", rep)
	}
}
