package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
	"github.com/nulpointcorp/model-router/internal/strategy"
)

type echoAdapter struct {
	name    string
	metrics adapters.RollingMetrics
}

func (a *echoAdapter) Name() string { return a.name }
func (a *echoAdapter) ChatCompletion(context.Context, *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	return &adapters.ChatResponse{Content: "ok from " + a.name}, nil
}
func (a *echoAdapter) StreamChatCompletion(context.Context, *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	ch := make(chan adapters.StreamFrame, 1)
	ch <- adapters.StreamFrame{Data: adapters.DoneFrame}
	close(ch)
	return ch, nil
}
func (a *echoAdapter) HealthCheck(context.Context) error { return nil }
func (a *echoAdapter) Metrics() *adapters.RollingMetrics { return &a.metrics }
func (a *echoAdapter) Close() error                      { return nil }

func seedModel(t *testing.T, st *store.Store, name string) {
	t.Helper()
	ctx := context.Background()

	m := &store.Model{Name: name, IsEnabled: true}
	if err := st.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	p := &store.Provider{Name: name + "-provider", ProviderType: "router-fake", IsEnabled: true}
	if err := st.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if err := st.CreateLink(ctx, &store.Link{ModelID: m.ID, ProviderID: p.ID,
		Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy}); err != nil {
		t.Fatalf("create link: %v", err)
	}
	if err := st.CreateAPIKey(ctx, &store.APIKey{ProviderID: p.ID, Secret: "sk",
		Weight: 1, IsEnabled: true}); err != nil {
		t.Fatalf("create key: %v", err)
	}
}

func newRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:", store.PoolSettings{PoolSize: 1, PoolRecycle: time.Hour}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	adapters.Register("router-fake", func(_ context.Context, s adapters.Settings) (adapters.Adapter, error) {
		return &echoAdapter{name: s.ProviderName}, nil
	})

	pm := pool.NewManager(config.PoolConfig{
		MinSize: 1, MaxSize: 2, MaxIdle: time.Minute, MaxUses: 1000,
		CleanupInterval: time.Minute, HealthInterval: time.Minute,
		AcquireTimeout: time.Second,
	}, func(_ context.Context, k pool.Key) (adapters.Settings, error) {
		return adapters.Settings{ProviderType: "router-fake", ProviderName: k.Provider}, nil
	}, log)
	t.Cleanup(pm.Close)

	reg := registry.New(st, log)
	eng := strategy.NewEngine(pm, st, strategy.NewBreaker(5, time.Minute), nil, strategy.StrategyAuto, log)
	t.Cleanup(eng.Close)

	return New(reg, eng, log), st
}

func TestRouteKnownModel(t *testing.T) {
	r, st := newRouter(t)
	seedModel(t, st, "gpt-test")

	res, err := r.Route(context.Background(), &adapters.ChatRequest{
		Model:    "gpt-test",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Response == nil || res.Response.Content != "ok from gpt-test-provider" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRouteUnknownModel(t *testing.T) {
	r, _ := newRouter(t)

	_, err := r.Route(context.Background(), &adapters.ChatRequest{
		Model:    "no-such-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("got %v, want ErrModelUnavailable", err)
	}
}

func TestRouteRefreshesOnMiss(t *testing.T) {
	r, st := newRouter(t)

	// The model appears only after the router is running. The first request
	// misses the cache, triggers a refresh, and then succeeds.
	seedModel(t, st, "late-model")

	res, err := r.Route(context.Background(), &adapters.ChatRequest{
		Model:    "late-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("route after refresh: %v", err)
	}
	if res.Response == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestRouteConcurrentMissesShareRefresh(t *testing.T) {
	r, st := newRouter(t)
	seedModel(t, st, "contended-model")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Route(context.Background(), &adapters.ChatRequest{
				Model:    "contended-model",
				Messages: []adapters.Message{{Role: "user", Content: "hi"}},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestModelsListsCachedNames(t *testing.T) {
	r, st := newRouter(t)
	seedModel(t, st, "listed-model")

	if _, err := r.Route(context.Background(), &adapters.ChatRequest{
		Model:    "listed-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("route: %v", err)
	}

	names := r.Models()
	found := false
	for _, n := range names {
		if n == "listed-model" {
			found = true
		}
	}
	if !found {
		t.Fatalf("models = %v, want listed-model present", names)
	}
}
