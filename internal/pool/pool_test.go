package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/store"
)

type fakeAdapter struct {
	id        int32
	healthErr error
	closed    atomic.Bool
	metrics   adapters.RollingMetrics
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) ChatCompletion(context.Context, *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	return &adapters.ChatResponse{Content: "ok"}, nil
}
func (f *fakeAdapter) StreamChatCompletion(context.Context, *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	ch := make(chan adapters.StreamFrame, 1)
	ch <- adapters.StreamFrame{Data: adapters.DoneFrame}
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) HealthCheck(context.Context) error { return f.healthErr }
func (f *fakeAdapter) Metrics() *adapters.RollingMetrics { return &f.metrics }
func (f *fakeAdapter) Close() error                      { f.closed.Store(true); return nil }

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		MinSize:         1,
		MaxSize:         2,
		MaxIdle:         time.Minute,
		MaxUses:         1000,
		CleanupInterval: time.Minute,
		HealthInterval:  time.Minute,
		AcquireTimeout:  200 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg config.PoolConfig) (*Manager, *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	adapters.Register(store.ProviderType("pool-fake"), func(context.Context, adapters.Settings) (adapters.Adapter, error) {
		return &fakeAdapter{id: built.Add(1)}, nil
	})
	settings := func(context.Context, Key) (adapters.Settings, error) {
		return adapters.Settings{ProviderType: "pool-fake"}, nil
	}
	m := NewManager(cfg, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m, &built
}

func TestAcquireWarmsMinSize(t *testing.T) {
	m, built := newTestManager(t, testConfig())

	l, err := m.Acquire(context.Background(), Key{Model: "m", Provider: "p"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	if built.Load() != 1 {
		t.Fatalf("built %d adapters, want min_size=1", built.Load())
	}
}

func TestAcquireGrowsToMaxThenBlocks(t *testing.T) {
	m, built := newTestManager(t, testConfig())
	k := Key{Model: "m", Provider: "p"}
	ctx := context.Background()

	l1, err := m.Acquire(ctx, k)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	l2, err := m.Acquire(ctx, k)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if built.Load() != 2 {
		t.Fatalf("built %d adapters, want 2 (min + growth)", built.Load())
	}

	// Third concurrent acquire blocks until a holder releases.
	got := make(chan *Lease, 1)
	errs := make(chan error, 1)
	go func() {
		l, err := m.Acquire(ctx, k)
		if err != nil {
			errs <- err
			return
		}
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("third acquire returned while pool saturated")
	case err := <-errs:
		t.Fatalf("third acquire failed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()

	select {
	case l3 := <-got:
		if l3.Adapter != l1.Adapter {
			t.Fatal("waiter should receive the released adapter")
		}
		l3.Release()
	case err := <-errs:
		t.Fatalf("third acquire failed after release: %v", err)
	case <-time.After(time.Second):
		t.Fatal("third acquire did not wake after release")
	}

	l2.Release()
}

func TestAcquireTimesOutExhausted(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	k := Key{Model: "m", Provider: "p"}
	ctx := context.Background()

	l1, _ := m.Acquire(ctx, k)
	l2, _ := m.Acquire(ctx, k)
	defer l1.Release()
	defer l2.Release()

	start := time.Now()
	_, err := m.Acquire(ctx, k)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("got %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("returned after %v, should wait out acquire_timeout", elapsed)
	}
}

func TestAcquireConcurrentHonorsMaxSize(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 2 * time.Second

	// A slow constructor widens the window between the size check and the
	// append; the reserved slot must keep the second acquire waiting.
	var built atomic.Int32
	adapters.Register(store.ProviderType("pool-slow"), func(context.Context, adapters.Settings) (adapters.Adapter, error) {
		built.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &fakeAdapter{id: built.Load()}, nil
	})
	settings := func(context.Context, Key) (adapters.Settings, error) {
		return adapters.Settings{ProviderType: "pool-slow"}, nil
	}
	m := NewManager(cfg, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	k := Key{Model: "m", Provider: "p"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), k)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			time.Sleep(20 * time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Fatalf("built %d adapters, want 1 (max_size=1)", built.Load())
	}
	stats := m.StatsAll()
	if len(stats) != 1 || stats[0].Size != 1 {
		t.Fatalf("pool stats = %+v, want a single slot", stats)
	}
}

func TestMaxUsesRetiresAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUses = 2
	m, built := newTestManager(t, cfg)
	k := Key{Model: "m", Provider: "p"}
	ctx := context.Background()

	// Two borrows exhaust max_uses for the warm adapter.
	for i := 0; i < 2; i++ {
		l, err := m.Acquire(ctx, k)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Release()
	}
	first := built.Load()

	// Next borrow must expire the worn adapter and construct a fresh one.
	l, err := m.Acquire(ctx, k)
	if err != nil {
		t.Fatalf("acquire after wear-out: %v", err)
	}
	defer l.Release()
	if built.Load() != first+1 {
		t.Fatalf("built %d adapters, want %d (worn one replaced)", built.Load(), first+1)
	}
}

func TestCleanupEvictsAndRefills(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	m, built := newTestManager(t, cfg)
	k := Key{Model: "m", Provider: "p"}
	ctx := context.Background()

	l, err := m.Acquire(ctx, k)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	broken := l.Adapter.(*fakeAdapter)
	l.Discard()

	m.cleanupOnce()

	if !broken.closed.Load() {
		t.Fatal("discarded adapter was not closed by cleanup")
	}
	// Pool must be back at min size.
	stats := m.StatsAll()
	if len(stats) != 1 || stats[0].Size != cfg.MinSize {
		t.Fatalf("pool stats after cleanup: %+v, want size %d", stats, cfg.MinSize)
	}
	if built.Load() < 3 {
		t.Fatalf("expected refill constructions, built=%d", built.Load())
	}
}

func TestStatsAll(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	k := Key{Model: "m", Provider: "p"}

	l, err := m.Acquire(context.Background(), k)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	stats := m.StatsAll()
	if len(stats) != 1 {
		t.Fatalf("got %d pools, want 1", len(stats))
	}
	if stats[0].InUse != 1 {
		t.Fatalf("in use = %d, want 1", stats[0].InUse)
	}

	l.Release()
	stats = m.StatsAll()
	if stats[0].Available != 1 || stats[0].InUse != 0 {
		t.Fatalf("after release: %+v", stats[0])
	}
}
