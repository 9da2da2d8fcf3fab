// Package logger implements a non-blocking, batched request audit logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so audit logging never blocks the request hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one routed request's audit record.
type RequestLog struct {
	RequestID    string
	Model        string
	Provider     string
	Route        string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
	Status       int
	Streamed     bool
	CreatedAt    time.Time
}

// Logger drains RequestLog entries to the structured log asynchronously.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs atomic.Int64

	log *slog.Logger
}

func New(slogger *slog.Logger) *Logger {
	l := &Logger{
		ch:   make(chan RequestLog, channelBuffer),
		done: make(chan struct{}),
		log:  slogger,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log queues one entry. Never blocks; entries beyond the buffer are dropped.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.droppedLogs.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return l.droppedLogs.Load()
}

// Close drains the queue and stops the flush loop.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(context.Background(), "request",
				slog.String("request_id", e.RequestID),
				slog.String("model", e.Model),
				slog.String("provider", e.Provider),
				slog.String("route", e.Route),
				slog.Int64("input_tokens", e.InputTokens),
				slog.Int64("output_tokens", e.OutputTokens),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.Int("status", e.Status),
				slog.Bool("streamed", e.Streamed),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
