package server

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/store"
)

func pathID(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	raw, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func bindBody(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		writeAdminErr(ctx, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// adminErrMessage keeps conflict errors recognizable in the envelope.
func adminErrMessage(err error) string {
	if errors.Is(err, store.ErrConflict) {
		return "conflict: " + err.Error()
	}
	return err.Error()
}

// enabledOrDefault interprets an optional is_enabled field: absent means
// enabled, explicit false stays false.
func enabledOrDefault(v *bool) bool { return v == nil || *v }

// ── Models ───────────────────────────────────────────────────────────────────

func (s *Server) handleAdminListModels(ctx *fasthttp.RequestCtx) {
	models, err := s.store.GetAllModels(ctx, nil)
	if err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, models)
}

func (s *Server) handleAdminCreateModel(ctx *fasthttp.RequestCtx) {
	var body struct {
		store.Model
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	if body.Name == "" {
		writeAdminErr(ctx, "model name is required")
		return
	}
	m := body.Model
	m.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.CreateModel(ctx, &m); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, m)
}

func (s *Server) handleAdminUpdateModel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid model id")
		return
	}
	var body struct {
		store.Model
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	m := body.Model
	m.ID = id
	m.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.UpdateModel(ctx, &m); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, m)
}

func (s *Server) handleAdminDeleteModel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid model id")
		return
	}
	if err := s.store.DeleteModel(ctx, id); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}

// ── Providers ────────────────────────────────────────────────────────────────

func (s *Server) handleAdminListProviders(ctx *fasthttp.RequestCtx) {
	providers, err := s.store.GetAllProviders(ctx)
	if err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, providers)
}

func (s *Server) handleAdminCreateProvider(ctx *fasthttp.RequestCtx) {
	var body struct {
		store.Provider
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	if body.Name == "" || body.ProviderType == "" {
		writeAdminErr(ctx, "provider name and provider_type are required")
		return
	}
	p := body.Provider
	p.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.CreateProvider(ctx, &p); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, p)
}

func (s *Server) handleAdminUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid provider id")
		return
	}
	var body struct {
		store.Provider
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	p := body.Provider
	p.ID = id
	p.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.UpdateProvider(ctx, &p); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, p)
}

func (s *Server) handleAdminDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid provider id")
		return
	}
	if err := s.store.DeleteProvider(ctx, id); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}

// ── API keys ─────────────────────────────────────────────────────────────────

func (s *Server) handleAdminListKeys(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid provider id")
		return
	}
	keys, err := s.store.GetKeysForProvider(ctx, id)
	if err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, keys)
}

// adminKeyBody carries the secret explicitly; the store model never
// serializes it back out.
type adminKeyBody struct {
	store.APIKey
	Secret    string `json:"secret"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (s *Server) handleAdminCreateKey(ctx *fasthttp.RequestCtx) {
	var body adminKeyBody
	if !bindBody(ctx, &body) {
		return
	}
	if body.ProviderID == 0 || body.Secret == "" {
		writeAdminErr(ctx, "provider_id and secret are required")
		return
	}
	k := body.APIKey
	k.Secret = body.Secret
	k.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.CreateAPIKey(ctx, &k); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, k)
}

func (s *Server) handleAdminUpdateKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid key id")
		return
	}
	var body adminKeyBody
	if !bindBody(ctx, &body) {
		return
	}
	k := body.APIKey
	k.ID = id
	k.Secret = body.Secret
	k.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.UpdateAPIKey(ctx, &k); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, k)
}

func (s *Server) handleAdminDeleteKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		writeAdminErr(ctx, "invalid key id")
		return
	}
	if err := s.store.DeleteAPIKey(ctx, id); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}

// ── Links ────────────────────────────────────────────────────────────────────

func (s *Server) handleAdminCreateLink(ctx *fasthttp.RequestCtx) {
	var body struct {
		store.Link
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	if body.ModelID == 0 || body.ProviderID == 0 {
		writeAdminErr(ctx, "llm_id and provider_id are required")
		return
	}
	l := body.Link
	l.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.CreateLink(ctx, &l); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, l)
}

func (s *Server) handleAdminUpdateLink(ctx *fasthttp.RequestCtx) {
	var body struct {
		store.Link
		IsEnabled *bool `json:"is_enabled"`
	}
	if !bindBody(ctx, &body) {
		return
	}
	if body.ModelID == 0 || body.ProviderID == 0 {
		writeAdminErr(ctx, "llm_id and provider_id are required")
		return
	}
	l := body.Link
	l.IsEnabled = enabledOrDefault(body.IsEnabled)
	if err := s.store.UpdateLink(ctx, &l); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, l)
}

func (s *Server) handleAdminDeleteLink(ctx *fasthttp.RequestCtx) {
	var l store.Link
	if !bindBody(ctx, &l) {
		return
	}
	if err := s.store.DeleteLink(ctx, l.ModelID, l.ProviderID); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}

// ── Capabilities ─────────────────────────────────────────────────────────────

func (s *Server) handleAdminListCapabilities(ctx *fasthttp.RequestCtx) {
	caps, err := s.store.GetAllCapabilities(ctx)
	if err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, caps)
}

func (s *Server) handleAdminCreateCapability(ctx *fasthttp.RequestCtx) {
	var c store.Capability
	if !bindBody(ctx, &c) {
		return
	}
	if c.Name == "" {
		writeAdminErr(ctx, "capability_name is required")
		return
	}
	if err := s.store.CreateCapability(ctx, &c); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, c)
}

func (s *Server) handleAdminAttachCapability(ctx *fasthttp.RequestCtx) {
	modelID, ok1 := pathID(ctx, "id")
	capID, ok2 := pathID(ctx, "cap")
	if !ok1 || !ok2 {
		writeAdminErr(ctx, "invalid model or capability id")
		return
	}
	if err := s.store.AttachCapability(ctx, modelID, capID); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}

func (s *Server) handleAdminDetachCapability(ctx *fasthttp.RequestCtx) {
	modelID, ok1 := pathID(ctx, "id")
	capID, ok2 := pathID(ctx, "cap")
	if !ok1 || !ok2 {
		writeAdminErr(ctx, "invalid model or capability id")
		return
	}
	if err := s.store.DetachCapability(ctx, modelID, capID); err != nil {
		writeAdminErr(ctx, adminErrMessage(err))
		return
	}
	writeAdminOK(ctx, nil)
}
