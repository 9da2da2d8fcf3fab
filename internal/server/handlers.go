package server

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": s.version})
}

// handleListModels answers the OpenAI model listing shape, with the models'
// capability tags attached.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	enabled := true
	models, err := s.store.GetAllModels(ctx, &enabled)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ids := make([]uint, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	caps, err := s.store.GetAllModelsCapabilitiesBatch(ctx, ids)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	type modelEntry struct {
		ID           string   `json:"id"`
		Object       string   `json:"object"`
		Created      int64    `json:"created"`
		OwnedBy      string   `json:"owned_by"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		var tags []string
		for _, c := range caps[m.ID] {
			tags = append(tags, c.Name)
		}
		data = append(data, modelEntry{
			ID:           m.Name,
			Object:       "model",
			Created:      m.CreatedAt.Unix(),
			OwnedBy:      "system",
			Capabilities: tags,
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleStats is the canonical stats surface: per-link aggregates from the
// repository plus live pool occupancy.
func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	links, err := s.store.GetLinkStats(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	type poolEntry struct {
		Model     string `json:"model"`
		Provider  string `json:"provider"`
		Size      int    `json:"size"`
		InUse     int    `json:"in_use"`
		Available int    `json:"available"`
	}
	var pools []poolEntry
	for _, ps := range s.pools.StatsAll() {
		pools = append(pools, poolEntry{
			Model:     ps.Key.Model,
			Provider:  ps.Key.Provider,
			Size:      ps.Size,
			InUse:     ps.InUse,
			Available: ps.Available,
		})
	}

	writeJSON(ctx, map[string]any{
		"generated_at": time.Now().UTC(),
		"links":        links,
		"pools":        pools,
	})
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (s *Server) handleImageGenerations(ctx *fasthttp.RequestCtx) {
	var body imageRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid request body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Model == "" || body.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model and prompt are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.N == 0 {
		body.N = 1
	}

	resp, provider, err := s.router.RouteImage(ctx, &adapters.ImageRequest{
		Model:          body.Model,
		Prompt:         body.Prompt,
		N:              body.N,
		Size:           body.Size,
		ResponseFormat: body.ResponseFormat,
	})
	if err != nil {
		s.writeRouteError(ctx, body.Model, err)
		return
	}
	ctx.Response.Header.Set("X-Provider", provider)
	writeJSON(ctx, resp)
}
