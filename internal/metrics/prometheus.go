// Package metrics provides the Prometheus registry for the router.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_upstream_attempts_total{model,provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{model,provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_failover_events_total{model,from,to}
	failoverEvents *prometheus.CounterVec

	// router_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// router_pool_size{model,provider,state} — state ∈ {available,in_use}
	poolSize *prometheus.GaugeVec

	// router_pool_exhausted_total{model,provider}
	poolExhausted *prometheus.CounterVec

	// circuit_breaker_state{model,provider} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{model,provider,to_state}
	breakerTransitions *prometheus.CounterVec

	// router_link_health{model,provider} — 1=healthy, 0.5=degraded, 0=unhealthy
	linkHealth *prometheus.GaugeVec

	// router_tokens_total{model,provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome",
			},
			[]string{"model", "provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Duration of individual upstream attempts",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model", "provider", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Fall-throughs from one provider to the next",
			},
			[]string{"model", "from", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests that exhausted every candidate provider",
			},
			[]string{"model"},
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_pool_size",
				Help: "Adapter pool occupancy by state",
			},
			[]string{"model", "provider", "state"},
		),

		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_pool_exhausted_total",
				Help: "Acquires that timed out waiting for a pooled adapter",
			},
			[]string{"model", "provider"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"model", "provider"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"model", "provider", "to_state"},
		),

		linkHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_link_health",
				Help: "Link health (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"model", "provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Tokens processed, by direction",
			},
			[]string{"model", "provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.poolSize,
		r.poolExhausted,
		r.breakerState,
		r.breakerTransitions,
		r.linkHealth,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(model, provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(model, from, to string) {
	r.failoverEvents.WithLabelValues(model, from, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(model string) {
	r.failoverExhausted.WithLabelValues(model).Inc()
}

// SetPoolSize publishes one pool's occupancy snapshot.
func (r *Registry) SetPoolSize(model, provider string, available, inUse int) {
	r.poolSize.WithLabelValues(model, provider, "available").Set(float64(available))
	r.poolSize.WithLabelValues(model, provider, "in_use").Set(float64(inUse))
}

func (r *Registry) RecordPoolExhausted(model, provider string) {
	r.poolExhausted.WithLabelValues(model, provider).Inc()
}

func (r *Registry) AddTokens(model, provider string, input, output int64) {
	if input > 0 {
		r.tokensTotal.WithLabelValues(model, provider, "input").Add(float64(input))
	}
	if output > 0 {
		r.tokensTotal.WithLabelValues(model, provider, "output").Add(float64(output))
	}
}

// SetLinkHealth publishes a link's health as a gauge value.
func (r *Registry) SetLinkHealth(model, provider string, v float64) {
	r.linkHealth.WithLabelValues(model, provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetBreakerState sets the breaker state gauge and increments a transition
// counter when the state changes.
func (r *Registry) SetBreakerState(model, provider string, state int64) {
	r.breakerState.WithLabelValues(model, provider).Set(float64(state))

	key := model + "/" + provider
	r.cbMu.Lock()
	prev, ok := r.lastCBState[key]
	if !ok || prev != float64(state) {
		r.lastCBState[key] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.breakerTransitions.WithLabelValues(model, provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
