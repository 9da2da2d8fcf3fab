package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/store"
)

const (
	flushBatchSize = 50
	flushInterval  = 5 * time.Second
)

// metricsBuffer batches per-request metric updates and flushes them to the
// repository when the batch fills or the interval elapses, whichever comes
// first. Dropping the write amplification keeps the hot path off the DB.
type metricsBuffer struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.Mutex
	pending []store.MetricUpdate

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	kick     chan struct{}
}

func newMetricsBuffer(st *store.Store, log *slog.Logger) *metricsBuffer {
	b := &metricsBuffer{
		store: st,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		kick:  make(chan struct{}, 1),
	}
	go b.loop()
	return b
}

// Add queues one observation.
func (b *metricsBuffer) Add(u store.MetricUpdate) {
	b.mu.Lock()
	b.pending = append(b.pending, u)
	full := len(b.pending) >= flushBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Close flushes what remains and stops the loop.
func (b *metricsBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

func (b *metricsBuffer) loop() {
	defer close(b.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *metricsBuffer) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.UpdateLinkMetricsBatch(ctx, batch); err != nil {
		b.log.Error("strategy: metrics flush failed",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()))
	}
}
