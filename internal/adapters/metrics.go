package adapters

import "sync"

// rolling response-time smoothing factor
const emaAlpha = 0.1

// RollingMetrics is the in-memory per-adapter request accounting. The
// strategy engine reads snapshots and flushes them to the repository; the
// adapter itself only folds observations in.
type RollingMetrics struct {
	mu sync.Mutex

	responseTimeAvg float64
	responseTimeMin float64
	responseTimeMax float64
	totalRequests   int64
	successful      int64
	totalTokens     int64
	totalCost       float64
}

// MetricsSnapshot is a point-in-time copy of RollingMetrics.
type MetricsSnapshot struct {
	ResponseTimeAvg float64
	ResponseTimeMin float64
	ResponseTimeMax float64
	TotalRequests   int64
	Successful      int64
	SuccessRate     float64
	TotalTokens     int64
	TotalCost       float64
}

// Observe folds one request outcome in. responseTime is in seconds and is
// ignored when non-positive (e.g. a request that failed before dispatch).
func (m *RollingMetrics) Observe(responseTime float64, success bool, tokens int64, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if success {
		m.successful++
	}
	if responseTime > 0 {
		if m.responseTimeAvg == 0 {
			m.responseTimeAvg = responseTime
		} else {
			m.responseTimeAvg = emaAlpha*responseTime + (1-emaAlpha)*m.responseTimeAvg
		}
		if m.responseTimeMin == 0 || responseTime < m.responseTimeMin {
			m.responseTimeMin = responseTime
		}
		if responseTime > m.responseTimeMax {
			m.responseTimeMax = responseTime
		}
	}
	m.totalTokens += tokens
	m.totalCost += cost
}

// Snapshot returns a consistent copy of the counters.
func (m *RollingMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		ResponseTimeAvg: m.responseTimeAvg,
		ResponseTimeMin: m.responseTimeMin,
		ResponseTimeMax: m.responseTimeMax,
		TotalRequests:   m.totalRequests,
		Successful:      m.successful,
		TotalTokens:     m.totalTokens,
		TotalCost:       m.totalCost,
	}
	if m.totalRequests > 0 {
		s.SuccessRate = float64(m.successful) / float64(m.totalRequests)
	}
	return s
}
