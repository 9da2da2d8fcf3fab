package strategy

import (
	"sync"
	"time"
)

// breakerState values for one (model, provider) link.
//
//	breakerClosed   — normal operation.
//	breakerOpen     — the link is failing; selection skips it.
//	breakerHalfOpen — recovery window; one trial request is admitted.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

// linkKey identifies one breaker.
type linkKey struct {
	Model    string
	Provider string
}

// linkBreaker holds the per-link state machine.
type linkBreaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	state         breakerState
	failures      int
	openedAt      time.Time
	probeInflight bool
}

// Breaker manages independent circuit breakers per (model, provider) link.
// Safe for concurrent use.
type Breaker struct {
	mu               sync.RWMutex
	links            map[linkKey]*linkBreaker
	defaultThreshold int
	defaultTimeout   time.Duration
}

// NewBreaker builds a Breaker with process-wide defaults applied to links
// that carry no breaker configuration of their own.
func NewBreaker(defaultThreshold int, defaultTimeout time.Duration) *Breaker {
	return &Breaker{
		links:            make(map[linkKey]*linkBreaker),
		defaultThreshold: defaultThreshold,
		defaultTimeout:   defaultTimeout,
	}
}

// Allow reports whether the link may receive the next request.
//
//   - Closed   → true.
//   - Open     → false until the timeout elapses, then the breaker goes
//     half-open and admits exactly one probe.
//   - HalfOpen → true only while no probe is in flight.
//
// threshold/timeout <= 0 fall back to the process defaults.
func (b *Breaker) Allow(model, provider string, threshold int, timeout time.Duration) bool {
	lb := b.get(model, provider, threshold, timeout)

	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch lb.state {
	case breakerOpen:
		if time.Since(lb.openedAt) >= lb.timeout {
			lb.state = breakerHalfOpen
			lb.probeInflight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if lb.probeInflight {
			return false
		}
		lb.probeInflight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure counter.
func (b *Breaker) RecordSuccess(model, provider string) {
	lb := b.lookup(model, provider)
	if lb == nil {
		return
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.state = breakerClosed
	lb.failures = 0
	lb.probeInflight = false
}

// RecordFailure counts a failure; reaching the threshold (or failing the
// half-open probe) opens the breaker.
func (b *Breaker) RecordFailure(model, provider string, threshold int, timeout time.Duration) {
	lb := b.get(model, provider, threshold, timeout)

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.failures++
	if lb.state == breakerHalfOpen || lb.failures >= lb.threshold {
		lb.state = breakerOpen
		lb.openedAt = time.Now()
	}
	lb.probeInflight = false
}

// StateValue returns the numeric state (0=closed, 1=open, 2=half-open) for
// gauge export.
func (b *Breaker) StateValue(model, provider string) int64 {
	lb := b.lookup(model, provider)
	if lb == nil {
		return 0
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return int64(lb.state)
}

// StateLabel returns "closed", "open", or "half_open" for metrics export.
func (b *Breaker) StateLabel(model, provider string) string {
	lb := b.lookup(model, provider)
	if lb == nil {
		return "closed"
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	switch lb.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) lookup(model, provider string) *linkBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.links[linkKey{model, provider}]
}

func (b *Breaker) get(model, provider string, threshold int, timeout time.Duration) *linkBreaker {
	k := linkKey{model, provider}

	b.mu.RLock()
	lb, ok := b.links[k]
	b.mu.RUnlock()
	if ok {
		return lb
	}

	if threshold <= 0 {
		threshold = b.defaultThreshold
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if lb, ok = b.links[k]; ok {
		return lb
	}
	lb = &linkBreaker{threshold: threshold, timeout: timeout}
	b.links[k] = lb
	return lb
}
