// Package pool maintains bounded sets of ready adapters keyed by
// (model, provider). Construction is hidden behind acquisition; stale and
// broken adapters are evicted by background loops.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/config"
)

// ErrPoolExhausted is returned when acquisition times out with every adapter
// in use and the pool at max size.
var ErrPoolExhausted = errors.New("pool: exhausted, acquire timed out")

// entry status values.
type status int

const (
	statusAvailable status = iota
	statusInUse
	statusUnhealthy
	statusExpired
)

// entry is one pooled adapter with its lifecycle bookkeeping.
type entry struct {
	adapter         adapters.Adapter
	status          status
	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time
	useCount        int
}

// Key identifies one pool.
type Key struct {
	Model    string
	Provider string
}

func (k Key) String() string { return k.Model + "/" + k.Provider }

// SettingsFunc resolves the adapter construction settings for a key at
// acquisition time, so rotated credentials reach new adapters.
type SettingsFunc func(ctx context.Context, k Key) (adapters.Settings, error)

// Observer receives pool events for the metrics layer. A nil observer
// disables export.
type Observer interface {
	SetPoolSize(model, provider string, available, inUse int)
	RecordPoolExhausted(model, provider string)
}

// Manager owns all per-key pools and the two background loops.
type Manager struct {
	cfg      config.PoolConfig
	settings SettingsFunc
	obs      Observer
	log      *slog.Logger

	mu    sync.Mutex
	pools map[Key]*pool

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// pool is the bounded adapter set for one key.
type pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []*entry
}

// NewManager builds a Manager. Call Start to run the background loops.
func NewManager(cfg config.PoolConfig, settings SettingsFunc, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		settings: settings,
		log:      log,
		pools:    make(map[Key]*pool),
		stop:     make(chan struct{}),
	}
}

// SetObserver installs the metrics observer.
func (m *Manager) SetObserver(o Observer) { m.obs = o }

// Start launches the cleanup and health loops.
func (m *Manager) Start() {
	m.done.Add(2)
	go m.cleanupLoop()
	go m.healthLoop()
}

// Close stops the loops and closes every pooled adapter.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.done.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.mu.Lock()
		for _, e := range p.entries {
			_ = e.adapter.Close()
		}
		p.entries = nil
		p.mu.Unlock()
	}
	m.pools = make(map[Key]*pool)
}

// Lease is a borrowed adapter. Release returns it to the pool; the adapter
// must not be used afterwards.
type Lease struct {
	Adapter adapters.Adapter

	m     *Manager
	key   Key
	entry *entry
	once  sync.Once
}

// Release returns the adapter to its pool and wakes one waiter.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.m.poolFor(l.key)
		p.mu.Lock()
		if l.entry.status == statusInUse {
			l.entry.status = statusAvailable
			l.entry.lastUsedAt = time.Now()
		}
		p.mu.Unlock()
		p.cond.Signal()
	})
}

// Discard drops the adapter instead of returning it, for callers that
// observed it broken mid-use. The cleanup loop refills below min size.
func (l *Lease) Discard() {
	l.once.Do(func() {
		p := l.m.poolFor(l.key)
		p.mu.Lock()
		l.entry.status = statusUnhealthy
		p.mu.Unlock()
		p.cond.Signal()
	})
}

// Acquire borrows an adapter for the key, constructing the pool (with
// min_size eager adapters) on first touch. Waits up to acquire_timeout when
// the pool is saturated.
func (m *Manager) Acquire(ctx context.Context, k Key) (*Lease, error) {
	p, created := m.poolOrCreate(k)
	if created {
		m.warmUp(ctx, k, p)
	}

	deadline := time.Now().Add(m.cfg.AcquireTimeout)

	p.mu.Lock()
	for {
		if e := m.scanLocked(p); e != nil {
			p.mu.Unlock()
			return &Lease{Adapter: e.adapter, m: m, key: k, entry: e}, nil
		}

		if m.liveCountLocked(p) < m.cfg.MaxSize {
			// Reserve the slot before releasing the lock to construct, so
			// concurrent acquires cannot overshoot max_size.
			e := &entry{status: statusInUse, createdAt: time.Now(), useCount: 1}
			p.entries = append(p.entries, e)
			p.mu.Unlock()

			a, err := m.constructAdapter(ctx, k)

			p.mu.Lock()
			if err == nil {
				e.adapter = a
				e.lastUsedAt = time.Now()
				p.mu.Unlock()
				return &Lease{Adapter: a, m: m, key: k, entry: e}, nil
			}
			m.dropEntryLocked(p, e)
			m.log.Warn("pool: adapter construction failed",
				slog.String("key", k.String()),
				slog.String("error", err.Error()))
			// The freed slot may unblock a waiter; fall through to wait.
			p.cond.Signal()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			m.recordExhausted(k)
			return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, k)
		}
		if err := waitCond(ctx, p.cond, &p.mu, remaining); err != nil {
			p.mu.Unlock()
			if errors.Is(err, errWaitTimeout) {
				m.recordExhausted(k)
				return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, k)
			}
			return nil, err
		}
	}
}

var errWaitTimeout = errors.New("pool: wait timeout")

func (m *Manager) recordExhausted(k Key) {
	if m.obs != nil {
		m.obs.RecordPoolExhausted(k.Model, k.Provider)
	}
}

// waitCond waits on cond with a timeout and context cancellation. The mutex
// is held on entry and re-held on return.
func waitCond(ctx context.Context, cond *sync.Cond, mu *sync.Mutex, d time.Duration) error {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	stopWatch := context.AfterFunc(ctx, cond.Broadcast)
	defer stopWatch()

	deadline := time.Now().Add(d)
	cond.Wait() // releases mu while waiting, re-acquires before returning

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if time.Now().After(deadline) {
		return errWaitTimeout
	}
	return nil
}

// scanLocked finds a usable AVAILABLE entry, expiring stale ones on the way.
// Caller holds p.mu.
func (m *Manager) scanLocked(p *pool) *entry {
	now := time.Now()
	for _, e := range p.entries {
		if e.status != statusAvailable {
			continue
		}
		if now.Sub(e.lastUsedAt) > m.cfg.MaxIdle {
			e.status = statusExpired
			continue
		}
		if e.useCount >= m.cfg.MaxUses {
			e.status = statusExpired
			continue
		}
		e.status = statusInUse
		e.lastUsedAt = now
		e.useCount++
		return e
	}
	return nil
}

// dropEntryLocked removes a reserved entry whose construction failed.
// Caller holds p.mu.
func (m *Manager) dropEntryLocked(p *pool, target *entry) {
	for i, e := range p.entries {
		if e == target {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// liveCountLocked counts entries that still occupy a pool slot.
func (m *Manager) liveCountLocked(p *pool) int {
	n := 0
	for _, e := range p.entries {
		if e.status == statusAvailable || e.status == statusInUse {
			n++
		}
	}
	return n
}

func (m *Manager) poolFor(k Key) *pool {
	p, _ := m.poolOrCreate(k)
	return p
}

func (m *Manager) poolOrCreate(k Key) (*pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[k]; ok {
		return p, false
	}
	p := &pool{}
	p.cond = sync.NewCond(&p.mu)
	m.pools[k] = p
	return p, true
}

// warmUp eagerly constructs min_size adapters for a fresh pool. Construction
// failures are logged and skipped.
func (m *Manager) warmUp(ctx context.Context, k Key, p *pool) {
	for i := 0; i < m.cfg.MinSize; i++ {
		e, err := m.construct(ctx, k)
		if err != nil {
			m.log.Warn("pool: warm-up construction failed",
				slog.String("key", k.String()),
				slog.String("error", err.Error()))
			continue
		}
		p.mu.Lock()
		p.entries = append(p.entries, e)
		p.mu.Unlock()
	}
}

// Warm pre-creates the pool for a key without borrowing, used at startup.
func (m *Manager) Warm(ctx context.Context, k Key) {
	p, created := m.poolOrCreate(k)
	if created {
		m.warmUp(ctx, k, p)
	}
}

func (m *Manager) construct(ctx context.Context, k Key) (*entry, error) {
	a, err := m.constructAdapter(ctx, k)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &entry{
		adapter:    a,
		status:     statusAvailable,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

func (m *Manager) constructAdapter(ctx context.Context, k Key) (adapters.Adapter, error) {
	s, err := m.settings(ctx, k)
	if err != nil {
		return nil, err
	}
	return adapters.New(ctx, s)
}

// ── Background loops ─────────────────────────────────────────────────────────

func (m *Manager) cleanupLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupOnce()
		case <-m.stop:
			return
		}
	}
}

// cleanupOnce evicts expired/unhealthy entries and refills under min size.
func (m *Manager) cleanupOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupInterval)
	defer cancel()

	for k, p := range m.snapshotPools() {
		now := time.Now()
		var closing []adapters.Adapter

		p.mu.Lock()
		kept := p.entries[:0]
		for _, e := range p.entries {
			evict := e.status == statusExpired || e.status == statusUnhealthy
			if e.status == statusAvailable &&
				(now.Sub(e.lastUsedAt) > m.cfg.MaxIdle || e.useCount >= m.cfg.MaxUses) {
				evict = true
			}
			if evict {
				closing = append(closing, e.adapter)
				continue
			}
			kept = append(kept, e)
		}
		p.entries = kept
		short := m.cfg.MinSize - len(p.entries)
		p.mu.Unlock()

		for _, a := range closing {
			_ = a.Close()
		}
		if len(closing) > 0 {
			m.log.Debug("pool: evicted adapters",
				slog.String("key", k.String()),
				slog.Int("count", len(closing)))
		}

		for i := 0; i < short; i++ {
			e, err := m.construct(ctx, k)
			if err != nil {
				m.log.Warn("pool: refill construction failed",
					slog.String("key", k.String()),
					slog.String("error", err.Error()))
				break
			}
			p.mu.Lock()
			p.entries = append(p.entries, e)
			p.mu.Unlock()
			p.cond.Signal()
		}

		if m.obs != nil {
			avail, inUse := 0, 0
			p.mu.Lock()
			for _, e := range p.entries {
				switch e.status {
				case statusAvailable:
					avail++
				case statusInUse:
					inUse++
				}
			}
			p.mu.Unlock()
			m.obs.SetPoolSize(k.Model, k.Provider, avail, inUse)
		}
	}
}

func (m *Manager) healthLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.healthOnce()
		case <-m.stop:
			return
		}
	}
}

// healthOnce revalidates stale AVAILABLE adapters. Probes run without the
// pool lock; probe errors flip the entry UNHEALTHY, success restores it.
func (m *Manager) healthOnce() {
	for k, p := range m.snapshotPools() {
		var due []*entry
		now := time.Now()

		p.mu.Lock()
		for _, e := range p.entries {
			stale := now.Sub(e.lastHealthCheck) > m.cfg.HealthInterval
			if stale && (e.status == statusAvailable || e.status == statusUnhealthy) {
				due = append(due, e)
			}
		}
		p.mu.Unlock()

		for _, e := range due {
			ctx, cancel := context.WithTimeout(context.Background(), adapters.ProviderTimeout)
			err := e.adapter.HealthCheck(ctx)
			cancel()

			p.mu.Lock()
			e.lastHealthCheck = time.Now()
			switch {
			case err == nil && e.status == statusUnhealthy:
				e.status = statusAvailable
				p.cond.Signal()
			case err != nil && e.status == statusAvailable:
				// A definitive upstream verdict flips the entry; transport
				// blips (no HTTP status attached) leave it untouched.
				var sc adapters.StatusCoder
				if errors.As(err, &sc) {
					e.status = statusUnhealthy
					m.log.Warn("pool: adapter failed health probe",
						slog.String("key", k.String()),
						slog.String("error", err.Error()))
				}
			}
			p.mu.Unlock()
		}
	}
}

func (m *Manager) snapshotPools() map[Key]*pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]*pool, len(m.pools))
	for k, p := range m.pools {
		out[k] = p
	}
	return out
}

// Stats reports per-pool occupancy for gauges and the stats endpoint.
type Stats struct {
	Key       Key
	Size      int
	InUse     int
	Available int
}

// StatsAll snapshots every pool.
func (m *Manager) StatsAll() []Stats {
	var out []Stats
	for k, p := range m.snapshotPools() {
		p.mu.Lock()
		s := Stats{Key: k}
		for _, e := range p.entries {
			switch e.status {
			case statusAvailable:
				s.Available++
				s.Size++
			case statusInUse:
				s.InUse++
				s.Size++
			}
		}
		p.mu.Unlock()
		out = append(out, s)
	}
	return out
}
