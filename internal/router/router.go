// Package router ties the registry and the strategy engine into the
// top-level routing operation.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/strategy"
)

// ErrModelUnavailable means the model has no routable configuration even
// after a registry refresh.
var ErrModelUnavailable = errors.New("router: model unavailable")

// Router resolves a model to its provider set and delegates execution.
type Router struct {
	registry *registry.Registry
	engine   *strategy.Engine
	log      *slog.Logger

	refresh singleflight.Group
}

func New(reg *registry.Registry, eng *strategy.Engine, log *slog.Logger) *Router {
	return &Router{registry: reg, engine: eng, log: log}
}

// Route executes one chat request. On a registry miss it refreshes the whole
// registry exactly once (shared across concurrent missers) and retries the
// lookup before giving up.
func (r *Router) Route(ctx context.Context, req *adapters.ChatRequest) (*strategy.Result, error) {
	cfg, err := r.resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return r.engine.Execute(ctx, cfg, req)
}

// RouteImage executes one image generation request. Same resolution rules as
// Route; the provider that served the request is returned alongside.
func (r *Router) RouteImage(ctx context.Context, req *adapters.ImageRequest) (*adapters.ImageResponse, string, error) {
	cfg, err := r.resolve(ctx, req.Model)
	if err != nil {
		return nil, "", err
	}
	return r.engine.ExecuteImage(ctx, cfg, req)
}

// Models lists the model names currently resolvable from the registry cache.
func (r *Router) Models() []string {
	return r.registry.CachedModelNames()
}

func (r *Router) resolve(ctx context.Context, model string) (*registry.ResolvedConfig, error) {
	cfg, err := r.registry.Resolve(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("router: resolve %s: %w", model, err)
	}
	if cfg != nil {
		return cfg, nil
	}

	// Cold cache or a model added out of band: refresh everything once,
	// coalescing concurrent misses into a single reload.
	if _, err, _ := r.refresh.Do("refresh-all", func() (any, error) {
		r.log.Info("router: registry miss, refreshing", slog.String("model", model))
		return nil, r.registry.RefreshAll(ctx)
	}); err != nil {
		return nil, fmt.Errorf("router: registry refresh: %w", err)
	}

	cfg, err = r.registry.Resolve(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("router: resolve %s: %w", model, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, model)
	}
	return cfg, nil
}
