package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

var (
	// ErrAllProvidersUnavailable is returned when every candidate failed or
	// was excluded by health and breaker filters.
	ErrAllProvidersUnavailable = errors.New("strategy: all providers unavailable")

	// ErrProviderNotFound is returned by specified_provider when the named
	// provider is not among the candidates.
	ErrProviderNotFound = errors.New("strategy: specified provider not found")

	// ErrImageUnsupported is returned when no candidate adapter implements
	// image generation.
	ErrImageUnsupported = errors.New("strategy: no provider supports image generation")
)

// UsageCounter is the optional external (Redis) daily usage accounting.
type UsageCounter interface {
	Increment(ctx context.Context, keyID uint) error
}

// Observer receives routing events for the metrics layer. Implementations
// must be cheap and non-blocking. A nil observer disables export.
type Observer interface {
	ObserveUpstreamAttempt(model, provider, outcome string, dur time.Duration)
	RecordFailover(model, from, to string)
	RecordFailoverExhausted(model string)
	SetBreakerState(model, provider string, state int64)
	AddTokens(model, provider string, input, output int64)
}

// Result is a successful execution: exactly one of Response or Stream is set.
type Result struct {
	Provider string
	Response *adapters.ChatResponse
	Stream   <-chan adapters.StreamFrame
}

// Engine executes requests against the candidate set of a resolved model.
type Engine struct {
	pools           *pool.Manager
	store           *store.Store
	breaker         *Breaker
	buffer          *metricsBuffer
	usage           UsageCounter
	obs             Observer
	log             *slog.Logger
	defaultStrategy string

	mu       sync.Mutex
	inflight map[linkKey]*atomic.Int64
	wrr      map[string]*atomic.Uint64
}

// NewEngine builds the engine. usage may be nil when Redis is not configured.
func NewEngine(
	pools *pool.Manager,
	st *store.Store,
	breaker *Breaker,
	usage UsageCounter,
	defaultStrategy string,
	log *slog.Logger,
) *Engine {
	return &Engine{
		pools:           pools,
		store:           st,
		breaker:         breaker,
		buffer:          newMetricsBuffer(st, log),
		usage:           usage,
		log:             log,
		defaultStrategy: defaultStrategy,
		inflight:        make(map[linkKey]*atomic.Int64),
		wrr:             make(map[string]*atomic.Uint64),
	}
}

// SetObserver installs the metrics observer.
func (e *Engine) SetObserver(o Observer) { e.obs = o }

// Close flushes buffered metrics.
func (e *Engine) Close() { e.buffer.Close() }

// Execute routes one chat request through the model's candidate providers.
func (e *Engine) Execute(ctx context.Context, cfg *registry.ResolvedConfig, req *adapters.ChatRequest) (*Result, error) {
	cands := e.buildCandidates(cfg)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: model %s", ErrAllProvidersUnavailable, cfg.ModelName)
	}

	strategyName, stratCfg := e.strategyFor(cfg)

	var wrrPos uint64
	if strategyName == StrategyWeightedRoundRobin {
		wrrPos = e.wrrCounter(cfg.ModelName).Add(1) - 1
	}

	ordered := order(strategyName, cands, stratCfg, wrrPos)
	if strategyName == StrategySpecifiedProvider && len(ordered) == 0 {
		return nil, fmt.Errorf("%w: %q for model %s",
			ErrProviderNotFound, stratCfg.SpecifiedProvider, cfg.ModelName)
	}

	var lastErr error
	var failedOn string
	for i := range ordered {
		c := &ordered[i]

		if c.Link.BreakerEnabled &&
			!e.breaker.Allow(cfg.ModelName, c.name(), c.Link.BreakerThreshold, c.Link.BreakerTimeout) {
			e.log.Warn("strategy: breaker open, skipping provider",
				slog.String("model", cfg.ModelName),
				slog.String("provider", c.name()))
			continue
		}

		if failedOn != "" && e.obs != nil {
			e.obs.RecordFailover(cfg.ModelName, failedOn, c.name())
		}

		res, err := e.dispatch(ctx, cfg, c, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		failedOn = c.name()

		if strategyName == StrategySpecifiedProvider {
			return nil, err
		}
		// Client errors (4xx) will not change on another provider.
		if !isRetryable(err) {
			return nil, err
		}
	}

	if lastErr != nil {
		if e.obs != nil {
			e.obs.RecordFailoverExhausted(cfg.ModelName)
		}
		return nil, fmt.Errorf("%w: model %s: %s",
			ErrAllProvidersUnavailable, cfg.ModelName, lastErr.Error())
	}
	return nil, fmt.Errorf("%w: model %s", ErrAllProvidersUnavailable, cfg.ModelName)
}

// ExecuteImage routes an image generation request to the best candidate
// whose adapter implements image support.
func (e *Engine) ExecuteImage(ctx context.Context, cfg *registry.ResolvedConfig, req *adapters.ImageRequest) (*adapters.ImageResponse, string, error) {
	cands := usable(e.buildCandidates(cfg))
	if len(cands) == 0 {
		return nil, "", fmt.Errorf("%w: model %s", ErrAllProvidersUnavailable, cfg.ModelName)
	}
	ordered := order(StrategyAuto, cands, Config{}, 0)

	supported := false
	var lastErr error
	for i := range ordered {
		c := &ordered[i]

		lease, err := e.pools.Acquire(ctx, pool.Key{Model: cfg.ModelName, Provider: c.name()})
		if err != nil {
			lastErr = err
			continue
		}

		img, ok := lease.Adapter.(adapters.ImageAdapter)
		if !ok {
			lease.Release()
			continue
		}
		supported = true

		start := time.Now()
		resp, err := img.CreateImage(ctx, req)
		dur := time.Since(start).Seconds()
		lease.Release()

		if err != nil {
			e.recordFailure(ctx, cfg, c, lease.Adapter, dur, err)
			lastErr = err
			if !isRetryable(err) {
				return nil, "", err
			}
			continue
		}
		e.recordSuccess(ctx, cfg, c, lease.Adapter, dur, 0)
		return resp, c.name(), nil
	}

	if !supported {
		return nil, "", fmt.Errorf("%w: model %s", ErrImageUnsupported, cfg.ModelName)
	}
	if lastErr == nil {
		lastErr = ErrAllProvidersUnavailable
	}
	return nil, "", fmt.Errorf("strategy: image generation failed for model %s: %w", cfg.ModelName, lastErr)
}

// dispatch runs one attempt against one candidate, with full accounting.
func (e *Engine) dispatch(ctx context.Context, cfg *registry.ResolvedConfig, c *Candidate, req *adapters.ChatRequest) (*Result, error) {
	lease, err := e.pools.Acquire(ctx, pool.Key{Model: cfg.ModelName, Provider: c.name()})
	if err != nil {
		return nil, err
	}

	counter := e.inflightCounter(cfg.ModelName, c.name())
	counter.Add(1)

	attempt := *req
	if attempt.MaxTokens == 0 {
		attempt.MaxTokens = c.Params.MaxTokens
	}
	if attempt.Temperature == 0 {
		attempt.Temperature = c.Params.Temperature
	}

	start := time.Now()

	if req.Stream {
		frames, err := lease.Adapter.StreamChatCompletion(ctx, &attempt)
		if err != nil {
			counter.Add(-1)
			dur := time.Since(start).Seconds()
			e.recordFailure(ctx, cfg, c, lease.Adapter, dur, err)
			lease.Release()
			return nil, err
		}
		out := e.superviseStream(ctx, cfg, c, lease, counter, frames, start)
		return &Result{Provider: c.name(), Stream: out}, nil
	}

	resp, err := lease.Adapter.ChatCompletion(ctx, &attempt)
	counter.Add(-1)
	dur := time.Since(start).Seconds()

	if err != nil {
		e.recordFailure(ctx, cfg, c, lease.Adapter, dur, err)
		lease.Release()
		return nil, err
	}
	e.recordSuccess(ctx, cfg, c, lease.Adapter, dur, resp.Usage.TotalTokens)
	if e.obs != nil {
		e.obs.AddTokens(cfg.ModelName, c.name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	lease.Release()
	return &Result{Provider: c.name(), Response: resp}, nil
}

// superviseStream forwards frames to the consumer and settles accounting
// when the stream ends. Response time spans dispatch to final frame.
func (e *Engine) superviseStream(
	ctx context.Context,
	cfg *registry.ResolvedConfig,
	c *Candidate,
	lease *pool.Lease,
	counter *atomic.Int64,
	in <-chan adapters.StreamFrame,
	start time.Time,
) <-chan adapters.StreamFrame {
	out := make(chan adapters.StreamFrame, 64)

	go func() {
		defer close(out)
		defer counter.Add(-1)
		defer lease.Release()

		var streamErr error
		for frame := range in {
			if frame.Err != nil {
				streamErr = frame.Err
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				streamErr = ctx.Err()
				e.drain(in)
				goto settle
			}
		}

	settle:
		dur := time.Since(start).Seconds()
		// Accounting runs on a background context: the request context is
		// often already cancelled when the client disconnects.
		actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
			e.recordFailure(actx, cfg, c, lease.Adapter, dur, streamErr)
		} else {
			e.recordSuccess(actx, cfg, c, lease.Adapter, dur, 0)
		}
	}()

	return out
}

func (e *Engine) drain(in <-chan adapters.StreamFrame) {
	for range in {
	}
}

// recordSuccess settles one successful attempt: breaker close, failure-count
// reset, metric flush, usage accounting.
func (e *Engine) recordSuccess(ctx context.Context, cfg *registry.ResolvedConfig, c *Candidate, ad adapters.Adapter, dur float64, tokens int64) {
	e.breaker.RecordSuccess(cfg.ModelName, c.name())
	if e.obs != nil {
		e.obs.ObserveUpstreamAttempt(cfg.ModelName, c.name(), "success", secondsToDuration(dur))
		e.obs.SetBreakerState(cfg.ModelName, c.name(), e.breaker.StateValue(cfg.ModelName, c.name()))
	}

	cost := float64(tokens) / 1000 * c.Params.CostPer1kTokens
	ad.Metrics().Observe(dur, true, tokens, cost)
	e.buffer.Add(store.MetricUpdate{
		ModelID:      cfg.ModelID,
		ProviderID:   c.Provider.ID,
		ResponseTime: dur,
		Success:      true,
		Tokens:       tokens,
		Cost:         cost,
	})

	if err := e.store.ResetFailureCount(ctx, cfg.ModelID, c.Provider.ID); err != nil {
		e.log.Warn("strategy: failure-count reset failed", slog.String("error", err.Error()))
	}
	e.countUsage(ctx, c)
}

// recordFailure settles one failed attempt: breaker trip, failure counter
// with auto-disable, metric flush, usage accounting.
func (e *Engine) recordFailure(ctx context.Context, cfg *registry.ResolvedConfig, c *Candidate, ad adapters.Adapter, dur float64, cause error) {
	e.breaker.RecordFailure(cfg.ModelName, c.name(), c.Link.BreakerThreshold, c.Link.BreakerTimeout)
	if e.obs != nil {
		e.obs.ObserveUpstreamAttempt(cfg.ModelName, c.name(), outcomeLabel(cause), secondsToDuration(dur))
		e.obs.SetBreakerState(cfg.ModelName, c.name(), e.breaker.StateValue(cfg.ModelName, c.name()))
	}

	ad.Metrics().Observe(dur, false, 0, 0)
	e.buffer.Add(store.MetricUpdate{
		ModelID:      cfg.ModelID,
		ProviderID:   c.Provider.ID,
		ResponseTime: dur,
		Success:      false,
	})

	link, err := e.store.IncrementFailureCount(ctx, cfg.ModelID, c.Provider.ID)
	if err != nil {
		e.log.Warn("strategy: failure accounting failed", slog.String("error", err.Error()))
	} else if link != nil && !link.IsEnabled {
		e.log.Warn("strategy: link auto-disabled after repeated failures",
			slog.String("model", cfg.ModelName),
			slog.String("provider", c.name()),
			slog.Int("failures", link.FailureCount))
	}

	e.log.Warn("strategy: provider attempt failed",
		slog.String("model", cfg.ModelName),
		slog.String("provider", c.name()),
		slog.String("error", cause.Error()))

	e.countUsage(ctx, c)
}

// countUsage increments the chosen key's usage, in the store and optionally
// in Redis. Dispatches count whether they succeed or not.
func (e *Engine) countUsage(ctx context.Context, c *Candidate) {
	if err := e.store.IncrementKeyUsage(ctx, c.APIKey.ID); err != nil {
		e.log.Warn("strategy: key usage increment failed", slog.String("error", err.Error()))
	}
	if e.usage != nil {
		if err := e.usage.Increment(ctx, c.APIKey.ID); err != nil {
			e.log.Warn("strategy: redis usage increment failed", slog.String("error", err.Error()))
		}
	}
}

// buildCandidates snapshots the resolved providers with current in-flight
// counts, dropping unhealthy links.
func (e *Engine) buildCandidates(cfg *registry.ResolvedConfig) []Candidate {
	cands := make([]Candidate, 0, len(cfg.Providers))
	for _, rp := range cfg.Providers {
		cands = append(cands, Candidate{
			ResolvedProvider:   rp,
			CurrentConnections: e.inflightCounter(cfg.ModelName, rp.Provider.Name).Load(),
		})
	}
	return usable(cands)
}

// strategyFor picks the strategy and its config from the first provider's
// link, falling back to the process default.
func (e *Engine) strategyFor(cfg *registry.ResolvedConfig) (string, Config) {
	name := e.defaultStrategy
	var sc Config
	if len(cfg.Providers) > 0 {
		link := cfg.Providers[0].Link
		if link.Strategy != "" {
			name = link.Strategy
		}
		sc = ParseConfig(link.StrategyConfig)
	}
	if name == "" {
		name = StrategyAuto
	}
	return name, sc
}

func (e *Engine) inflightCounter(model, provider string) *atomic.Int64 {
	k := linkKey{model, provider}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.inflight[k]
	if !ok {
		c = &atomic.Int64{}
		e.inflight[k] = c
	}
	return c
}

func (e *Engine) wrrCounter(model string) *atomic.Uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.wrr[model]
	if !ok {
		c = &atomic.Uint64{}
		e.wrr[model] = c
	}
	return c
}

// isRetryable reports whether a failed attempt should fall through to the
// next candidate.
//
//   - 5xx upstream errors → retryable
//   - timeouts → retryable
//   - 4xx upstream errors → not retryable (the request itself is at fault)
//   - unknown errors → retryable
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc adapters.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 || status == 429
	}
	return true
}

// outcomeLabel classifies a failed attempt for metric labels.
func outcomeLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc adapters.StatusCoder
	if errors.As(err, &sc) {
		if sc.HTTPStatus() >= 500 {
			return "upstream_5xx"
		}
		return "upstream_4xx"
	}
	return "error"
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
