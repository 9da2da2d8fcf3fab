package strategy

import (
	"context"
	"errors"
	"fmt"
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
)

// behavior scripts per-provider outcomes for the fake adapters.
type behavior struct {
	mu       sync.Mutex
	failures map[string]int // provider → remaining failures before success
}

func (b *behavior) shouldFail(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures[provider] > 0 {
		b.failures[provider]--
		return true
	}
	return false
}

type upstreamErr struct{ status int }

func (e *upstreamErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *upstreamErr) HTTPStatus() int { return e.status }

type scriptedAdapter struct {
	provider string
	script   *behavior
	metrics  adapters.RollingMetrics
}

func (f *scriptedAdapter) Name() string { return f.provider }
func (f *scriptedAdapter) ChatCompletion(context.Context, *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	if f.script.shouldFail(f.provider) {
		return nil, &upstreamErr{status: 502}
	}
	return &adapters.ChatResponse{Content: "served by " + f.provider,
		Usage: adapters.Usage{TotalTokens: 10}}, nil
}
func (f *scriptedAdapter) StreamChatCompletion(context.Context, *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	if f.script.shouldFail(f.provider) {
		return nil, &upstreamErr{status: 502}
	}
	ch := make(chan adapters.StreamFrame, 2)
	ch <- adapters.StreamFrame{Data: `{"choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`}
	ch <- adapters.StreamFrame{Data: adapters.DoneFrame}
	close(ch)
	return ch, nil
}
func (f *scriptedAdapter) HealthCheck(context.Context) error { return nil }
func (f *scriptedAdapter) Metrics() *adapters.RollingMetrics { return &f.metrics }
func (f *scriptedAdapter) Close() error                      { return nil }

type engineFixture struct {
	engine   *Engine
	store    *store.Store
	registry *registry.Registry
	script   *behavior
	model    *store.Model
}

// newEngineFixture seeds a model with the given providers and wires fake
// adapters behind a real pool.
func newEngineFixture(t *testing.T, providers []store.Link, providerNames []string) *engineFixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:", store.PoolSettings{PoolSize: 1, PoolRecycle: time.Hour}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := &store.Model{Name: "test-model", IsEnabled: true}
	if err := st.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	for i := range providers {
		p := &store.Provider{Name: providerNames[i], ProviderType: "strategy-fake", IsEnabled: true}
		if err := st.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create provider: %v", err)
		}
		providers[i].ModelID = m.ID
		providers[i].ProviderID = p.ID
		if err := st.CreateLink(ctx, &providers[i]); err != nil {
			t.Fatalf("create link: %v", err)
		}
		if err := st.CreateAPIKey(ctx, &store.APIKey{ProviderID: p.ID, Secret: "sk",
			Weight: 1, IsEnabled: true}); err != nil {
			t.Fatalf("create key: %v", err)
		}
	}

	script := &behavior{failures: map[string]int{}}
	adapters.Register("strategy-fake", func(_ context.Context, s adapters.Settings) (adapters.Adapter, error) {
		return &scriptedAdapter{provider: s.ProviderName, script: script}, nil
	})

	pm := pool.NewManager(config.PoolConfig{
		MinSize: 1, MaxSize: 2, MaxIdle: time.Minute, MaxUses: 1000,
		CleanupInterval: time.Minute, HealthInterval: time.Minute,
		AcquireTimeout: time.Second,
	}, func(_ context.Context, k pool.Key) (adapters.Settings, error) {
		return adapters.Settings{ProviderType: "strategy-fake", ProviderName: k.Provider}, nil
	}, log)
	t.Cleanup(pm.Close)

	eng := NewEngine(pm, st, NewBreaker(5, time.Minute), nil, StrategyAuto, log)
	t.Cleanup(eng.Close)

	return &engineFixture{
		engine:   eng,
		store:    st,
		registry: registry.New(st, log),
		script:   script,
		model:    m,
	}
}

func (f *engineFixture) resolve(t *testing.T) *registry.ResolvedConfig {
	t.Helper()
	cfg, err := f.registry.Resolve(context.Background(), f.model.Name)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return cfg
}

func TestExecuteFallbackToSecondProvider(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, Priority: 1, IsEnabled: true, HealthStatus: store.HealthHealthy,
			OverallScore: 0.9, Strategy: StrategyFallback,
			StrategyConfig: `{"preferred_provider":"P1"}`},
		{Weight: 1, Priority: 2, IsEnabled: true, HealthStatus: store.HealthHealthy,
			OverallScore: 0.5},
	}, []string{"P1", "P2"})

	f.script.failures["P1"] = 1

	res, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "P2" {
		t.Fatalf("served by %s, want fallback to P2", res.Provider)
	}
	if res.Response.Content != "served by P2" {
		t.Fatalf("response: %+v", res.Response)
	}
}

func TestExecuteAllProvidersExhausted(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy},
	}, []string{"P1"})

	f.script.failures["P1"] = 10

	_, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("got %v, want ErrAllProvidersUnavailable", err)
	}
}

func TestExecuteSpecifiedProviderAbsent(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy,
			Strategy: StrategySpecifiedProvider, StrategyConfig: `{"specified_provider":"ghost"}`},
	}, []string{"P1"})

	_, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("got %v, want ErrProviderNotFound", err)
	}
}

func TestExecuteAutoDisableAfterRepeatedFailures(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy,
			MaxFailures: 3, AutoDisableOnFailure: true},
	}, []string{"P1"})

	f.script.failures["P1"] = 100
	ctx := context.Background()
	req := &adapters.ChatRequest{Model: "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}}}

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Execute(ctx, f.resolve(t), req); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i)
		}
	}

	// Third failure tripped auto-disable; the next resolve has no candidates.
	cfg, err := f.registry.Resolve(ctx, f.model.Name)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg != nil {
		t.Fatalf("disabled link still resolvable: %+v", cfg.Providers)
	}

	link, _ := f.store.GetLink(ctx, f.model.ID, 1)
	if link.IsEnabled {
		t.Fatal("link still enabled after max_failures")
	}
	if link.HealthStatus != store.HealthUnhealthy {
		t.Fatalf("health = %s, want unhealthy", link.HealthStatus)
	}
}

func TestExecuteStream(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy},
	}, []string{"P1"})

	res, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model: "test-model", Stream: true,
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream result")
	}

	var frames []string
	for frame := range res.Stream {
		if frame.Err != nil {
			t.Fatalf("stream error: %v", frame.Err)
		}
		frames = append(frames, frame.Data)
	}
	if len(frames) != 2 || frames[len(frames)-1] != adapters.DoneFrame {
		t.Fatalf("frames = %v", frames)
	}
}

// recordingObserver captures metric events for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	attempts  []string
	failovers []string
	exhausted int
	tokens    int64
}

func (o *recordingObserver) ObserveUpstreamAttempt(_, provider, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, provider+":"+outcome)
}

func (o *recordingObserver) RecordFailover(_, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failovers = append(o.failovers, from+">"+to)
}

func (o *recordingObserver) RecordFailoverExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *recordingObserver) SetBreakerState(_, _ string, _ int64) {}

func (o *recordingObserver) AddTokens(_, _ string, input, output int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens += input + output
}

func TestExecuteReportsFailoverToObserver(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, Priority: 1, IsEnabled: true, HealthStatus: store.HealthHealthy,
			OverallScore: 0.9, Strategy: StrategyFallback,
			StrategyConfig: `{"preferred_provider":"P1"}`},
		{Weight: 1, Priority: 2, IsEnabled: true, HealthStatus: store.HealthHealthy,
			OverallScore: 0.5},
	}, []string{"P1", "P2"})

	obs := &recordingObserver{}
	f.engine.SetObserver(obs)
	f.script.failures["P1"] = 1

	if _, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(obs.failovers) != 1 || obs.failovers[0] != "P1>P2" {
		t.Fatalf("failovers = %v, want [P1>P2]", obs.failovers)
	}
	want := []string{"P1:upstream_5xx", "P2:success"}
	if len(obs.attempts) != 2 || obs.attempts[0] != want[0] || obs.attempts[1] != want[1] {
		t.Fatalf("attempts = %v, want %v", obs.attempts, want)
	}
	if obs.exhausted != 0 {
		t.Fatalf("exhausted = %d, want 0", obs.exhausted)
	}
}

func TestExecuteReportsExhaustionToObserver(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy},
	}, []string{"P1"})

	obs := &recordingObserver{}
	f.engine.SetObserver(obs)
	f.script.failures["P1"] = 10

	if _, err := f.engine.Execute(context.Background(), f.resolve(t), &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	}); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("got %v, want ErrAllProvidersUnavailable", err)
	}
	if obs.exhausted != 1 {
		t.Fatalf("exhausted = %d, want 1", obs.exhausted)
	}
}

func TestExecuteCountsKeyUsage(t *testing.T) {
	f := newEngineFixture(t, []store.Link{
		{Weight: 1, IsEnabled: true, HealthStatus: store.HealthHealthy},
	}, []string{"P1"})

	ctx := context.Background()
	cfg := f.resolve(t)
	if _, err := f.engine.Execute(ctx, cfg, &adapters.ChatRequest{
		Model:    "test-model",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	keys, err := f.store.GetKeysForProvider(ctx, cfg.Providers[0].Provider.ID)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if keys[0].UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", keys[0].UsageCount)
	}
}
