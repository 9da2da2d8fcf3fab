// Package registry maintains the denormalized, cached view of each model and
// its usable providers. Cache entries are versioned by the model's updated_at
// column; every Resolve revalidates against the repository with one cheap
// index lookup, so admin changes surface without a background invalidator.
package registry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/store"
)

// Parameter defaults applied when neither a generic nor a per-link param row
// sets the key.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
	DefaultRetryCount  = 3
)

// Params are the merged generation parameters for one resolved provider.
type Params struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RetryCount  int
	// CostPer1kTokens is the configured price used for cost accounting.
	// Zero means unpriced.
	CostPer1kTokens float64
	// Extra carries passthrough keys that have no dedicated field.
	Extra map[string]string
}

// ResolvedProvider is one usable (link, provider, credential) triple.
type ResolvedProvider struct {
	Link     store.Link
	Provider store.Provider
	APIKey   store.APIKey
	Params   Params
}

// ResolvedConfig is the cached routing view of one model.
type ResolvedConfig struct {
	ModelID   uint
	ModelName string
	LLMType   store.LLMType
	UpdatedAt time.Time
	Providers []ResolvedProvider
}

// Registry is the version-checked resolution cache.
type Registry struct {
	store *store.Store
	log   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*ResolvedConfig
}

// New builds an empty registry.
func New(st *store.Store, log *slog.Logger) *Registry {
	return &Registry{
		store: st,
		log:   log,
		cache: make(map[string]*ResolvedConfig),
	}
}

// Resolve returns the routing config for a model name, or (nil, nil) when the
// model is unknown, disabled, or has no usable provider links. A cached entry
// is served as long as the model's updated_at has not moved; ties break
// toward the cache.
func (r *Registry) Resolve(ctx context.Context, modelName string) (*ResolvedConfig, error) {
	r.mu.RLock()
	cached, ok := r.cache[modelName]
	r.mu.RUnlock()

	if ok {
		updatedAt, exists, err := r.store.GetModelUpdatedAt(ctx, modelName)
		if err != nil {
			return nil, err
		}
		if exists && updatedAt.Equal(cached.UpdatedAt) {
			return cached, nil
		}
	}

	cfg, err := r.build(ctx, modelName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cfg == nil {
		delete(r.cache, modelName)
	} else {
		r.cache[modelName] = cfg
	}
	r.mu.Unlock()

	return cfg, nil
}

// RefreshAll drops the cache and preloads every enabled model. Called at
// startup and after external config reloads.
func (r *Registry) RefreshAll(ctx context.Context) error {
	enabled := true
	models, err := r.store.GetAllModels(ctx, &enabled)
	if err != nil {
		return err
	}

	fresh := make(map[string]*ResolvedConfig, len(models))
	for _, m := range models {
		cfg, err := r.build(ctx, m.Name)
		if err != nil {
			return err
		}
		if cfg != nil {
			fresh[m.Name] = cfg
		}
	}

	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()

	r.log.Info("registry: cache refreshed", slog.Int("models", len(fresh)))
	return nil
}

// CachedModelNames lists currently cached model names, for error payloads.
func (r *Registry) CachedModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	return names
}

// build constructs a fresh ResolvedConfig from the repository. Links missing
// an enabled provider or credential are skipped with a warning.
func (r *Registry) build(ctx context.Context, modelName string) (*ResolvedConfig, error) {
	model, err := r.store.GetModelByName(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if model == nil || !model.IsEnabled {
		return nil, nil
	}

	links, err := r.store.GetEnabledLinksForModel(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	paramRows, err := r.store.GetModelParams(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	cfg := &ResolvedConfig{
		ModelID:   model.ID,
		ModelName: model.Name,
		LLMType:   model.LLMType,
		UpdatedAt: model.UpdatedAt,
	}

	for _, link := range links {
		if link.Provider == nil || !link.Provider.IsEnabled {
			r.log.Warn("registry: skipping link without enabled provider",
				slog.String("model", modelName),
				slog.Uint64("provider_id", uint64(link.ProviderID)))
			continue
		}
		key, err := r.store.GetBestAPIKey(ctx, link.ProviderID)
		if err != nil {
			return nil, err
		}
		if key == nil {
			r.log.Warn("registry: skipping link without usable api key",
				slog.String("model", modelName),
				slog.String("provider", link.Provider.Name))
			continue
		}

		cfg.Providers = append(cfg.Providers, ResolvedProvider{
			Link:     link,
			Provider: *link.Provider,
			APIKey:   *key,
			Params:   mergeParams(paramRows, link.ProviderID),
		})
	}

	if len(cfg.Providers) == 0 {
		return nil, nil
	}
	return cfg, nil
}

// mergeParams folds generic rows (provider_id NULL) first, then per-link rows
// for the given provider, so per-link values win. Unset keys take defaults.
func mergeParams(rows []store.ModelParam, providerID uint) Params {
	p := Params{
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeout,
		RetryCount:  DefaultRetryCount,
	}

	apply := func(generic bool) {
		for _, row := range rows {
			if generic != (row.ProviderID == nil) {
				continue
			}
			if !generic && *row.ProviderID != providerID {
				continue
			}
			setParam(&p, row.ParamKey, row.ParamValue)
		}
	}
	apply(true)
	apply(false)
	return p
}

func setParam(p *Params, key, value string) {
	switch key {
	case "max_tokens":
		if v, err := strconv.Atoi(value); err == nil {
			p.MaxTokens = v
		}
	case "temperature":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.Temperature = v
		}
	case "timeout":
		if v, err := strconv.Atoi(value); err == nil {
			p.Timeout = time.Duration(v) * time.Second
		}
	case "retry_count":
		if v, err := strconv.Atoi(value); err == nil {
			p.RetryCount = v
		}
	case "cost_per_1k_tokens":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.CostPer1kTokens = v
		}
	default:
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[key] = value
	}
}
