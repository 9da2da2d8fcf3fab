// Package strategy selects which provider serves a request and owns the
// machinery around that choice: per-link circuit breakers, failure
// accounting with auto-disable, in-flight connection counters, and the
// buffered metrics flush back to the repository.
package strategy

import (
	"encoding/json"
	"sort"

	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

// Strategy names. A link's strategy column holds one of these; empty falls
// back to the configured default.
const (
	StrategyAuto               = "auto"
	StrategySpecifiedProvider  = "specified_provider"
	StrategyFallback           = "fallback"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyResponseTime       = "response_time"
	StrategyCostOptimized      = "cost_optimized"
	StrategyHybrid             = "hybrid"
)

// autoTopN bounds how many candidates the auto strategy tries.
const autoTopN = 3

// defaultMaxCostThreshold is the cost_optimized cutoff when the link config
// does not set one.
const defaultMaxCostThreshold = 0.1

// Config is the strategy-specific settings document stored per link.
type Config struct {
	SpecifiedProvider string  `json:"specified_provider,omitempty"`
	PreferredProvider string  `json:"preferred_provider,omitempty"`
	MaxCostThreshold  float64 `json:"max_cost_threshold,omitempty"`
}

// ParseConfig decodes a link's strategy_config JSON. Empty or invalid
// documents yield the zero Config.
func ParseConfig(raw string) Config {
	var c Config
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &c)
	}
	return c
}

// Candidate is one selectable provider with the inputs every policy reads.
type Candidate struct {
	registry.ResolvedProvider

	// CurrentConnections is the engine's in-flight count at selection time.
	CurrentConnections int64
}

func (c *Candidate) name() string          { return c.Provider.Name }
func (c *Candidate) overall() float64      { return c.Link.OverallScore }
func (c *Candidate) responseTime() float64 { return c.Link.ResponseTimeAvg }
func (c *Candidate) cost() float64         { return c.Link.CostPer1kTokens }

// order returns candidates in the sequence the engine should try them for
// the given strategy. wrrPos is the weighted-round-robin counter value for
// this model, consumed only by that strategy.
func order(strategy string, cands []Candidate, cfg Config, wrrPos uint64) []Candidate {
	switch strategy {
	case StrategySpecifiedProvider:
		for _, c := range cands {
			if c.name() == cfg.SpecifiedProvider {
				return []Candidate{c}
			}
		}
		return nil

	case StrategyFallback:
		return orderFallback(cands, cfg)

	case StrategyWeightedRoundRobin:
		return orderWRR(cands, wrrPos)

	case StrategyLeastConnections:
		return sortedBy(cands, func(a, b *Candidate) bool {
			if a.CurrentConnections != b.CurrentConnections {
				return a.CurrentConnections < b.CurrentConnections
			}
			return a.overall() > b.overall()
		})

	case StrategyResponseTime:
		return sortedBy(cands, func(a, b *Candidate) bool {
			at, bt := knownTime(a.responseTime()), knownTime(b.responseTime())
			if at != bt {
				return at < bt
			}
			return a.overall() > b.overall()
		})

	case StrategyCostOptimized:
		return orderCostOptimized(cands, cfg)

	case StrategyHybrid:
		return sortedBy(cands, func(a, b *Candidate) bool {
			as, bs := hybridScore(a), hybridScore(b)
			if as != bs {
				return as > bs
			}
			return a.overall() > b.overall()
		})

	default: // auto
		out := sortedBy(cands, func(a, b *Candidate) bool {
			return a.overall() > b.overall()
		})
		if len(out) > autoTopN {
			out = out[:autoTopN]
		}
		return out
	}
}

// orderFallback puts the preferred provider first, then walks the rest by
// priority and score.
func orderFallback(cands []Candidate, cfg Config) []Candidate {
	rest := sortedBy(cands, func(a, b *Candidate) bool {
		if a.Link.Priority != b.Link.Priority {
			return a.Link.Priority > b.Link.Priority
		}
		if a.overall() != b.overall() {
			return a.overall() > b.overall()
		}
		return a.name() < b.name()
	})
	if cfg.PreferredProvider == "" {
		return rest
	}
	out := make([]Candidate, 0, len(rest))
	for _, c := range rest {
		if c.name() == cfg.PreferredProvider {
			out = append(out, c)
		}
	}
	for _, c := range rest {
		if c.name() != cfg.PreferredProvider {
			out = append(out, c)
		}
	}
	return out
}

// orderWRR picks the provider owning position (pos mod Σweight) in the
// weight prefix sums, then appends the rest in declaration order for
// fall-through.
func orderWRR(cands []Candidate, pos uint64) []Candidate {
	var total uint64
	for _, c := range cands {
		if c.Link.Weight > 0 {
			total += uint64(c.Link.Weight)
		}
	}
	if total == 0 {
		return append([]Candidate(nil), cands...)
	}

	slot := pos % total
	chosen := 0
	var acc uint64
	for i, c := range cands {
		if c.Link.Weight <= 0 {
			continue
		}
		acc += uint64(c.Link.Weight)
		if slot < acc {
			chosen = i
			break
		}
	}

	out := make([]Candidate, 0, len(cands))
	out = append(out, cands[chosen])
	for i, c := range cands {
		if i != chosen {
			out = append(out, c)
		}
	}
	return out
}

// orderCostOptimized keeps candidates under the cost threshold sorted by
// ascending cost; when none pass, every candidate competes on cost alone.
func orderCostOptimized(cands []Candidate, cfg Config) []Candidate {
	threshold := cfg.MaxCostThreshold
	if threshold <= 0 {
		threshold = defaultMaxCostThreshold
	}

	byCost := func(a, b *Candidate) bool {
		if a.cost() != b.cost() {
			return a.cost() < b.cost()
		}
		return a.overall() > b.overall()
	}

	var within []Candidate
	for _, c := range cands {
		if c.cost() <= threshold {
			within = append(within, c)
		}
	}
	if len(within) > 0 {
		return sortedBy(within, byCost)
	}
	return sortedBy(cands, byCost)
}

// hybridScore blends score, latency, cost, and load into one ranking value.
func hybridScore(c *Candidate) float64 {
	return 0.4*c.overall() +
		0.3*(1-c.responseTime()/10) +
		0.2*(1-c.cost()/0.1) +
		0.1*(1-float64(c.CurrentConnections)/100)
}

// knownTime treats a zero average as unmeasured, placing it after any real
// measurement.
func knownTime(rt float64) float64 {
	if rt == 0 {
		return 1e12
	}
	return rt
}

// sortedBy returns a stably sorted copy.
func sortedBy(cands []Candidate, less func(a, b *Candidate) bool) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// usable filters out unhealthy links before selection.
func usable(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Link.HealthStatus == store.HealthUnhealthy {
			continue
		}
		out = append(out, c)
	}
	return out
}
