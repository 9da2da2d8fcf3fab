// Package server is the HTTP facade of the router.
//
// It binds the OpenAI-compatible and Anthropic-compatible chat surfaces, the
// admin CRUD surface, and the operational endpoints onto fasthttp. Handlers
// stay thin: parse, authenticate, delegate to the Router, render.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	fhrouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/health"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/store"
)

// Server owns the fasthttp listener and the route table.
type Server struct {
	router  *router.Router
	store   *store.Store
	checker *health.Checker
	pools   *pool.Manager
	metrics *metrics.Registry
	cfg     *config.Config
	log     *slog.Logger
	version string

	// audit is the optional async request logger. Nil-safe.
	audit *logger.Logger

	srv *fasthttp.Server
}

// SetAuditLogger installs the asynchronous request audit logger.
func (s *Server) SetAuditLogger(l *logger.Logger) { s.audit = l }

func New(
	rt *router.Router,
	st *store.Store,
	checker *health.Checker,
	pools *pool.Manager,
	reg *metrics.Registry,
	cfg *config.Config,
	version string,
	log *slog.Logger,
) *Server {
	return &Server{
		router:  rt,
		store:   st,
		checker: checker,
		pools:   pools,
		metrics: reg,
		cfg:     cfg,
		log:     log,
		version: version,
	}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := fhrouter.New()

	// Business surface.
	r.POST("/v1/chat/completions", s.authed(s.handleChatCompletions))
	r.POST("/v1/messages", s.authed(s.handleMessages))
	r.POST("/v1/images/generations", s.authed(s.handleImageGenerations))
	r.GET("/v1/models", s.authed(s.handleListModels))
	r.GET("/v1/stats", s.authed(s.handleStats))

	// Operational surface.
	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	// Admin CRUD surface.
	r.GET("/admin/models", s.authed(s.handleAdminListModels))
	r.POST("/admin/models", s.authed(s.handleAdminCreateModel))
	r.PUT("/admin/models/{id}", s.authed(s.handleAdminUpdateModel))
	r.DELETE("/admin/models/{id}", s.authed(s.handleAdminDeleteModel))

	r.GET("/admin/providers", s.authed(s.handleAdminListProviders))
	r.POST("/admin/providers", s.authed(s.handleAdminCreateProvider))
	r.PUT("/admin/providers/{id}", s.authed(s.handleAdminUpdateProvider))
	r.DELETE("/admin/providers/{id}", s.authed(s.handleAdminDeleteProvider))

	r.GET("/admin/providers/{id}/keys", s.authed(s.handleAdminListKeys))
	r.POST("/admin/keys", s.authed(s.handleAdminCreateKey))
	r.PUT("/admin/keys/{id}", s.authed(s.handleAdminUpdateKey))
	r.DELETE("/admin/keys/{id}", s.authed(s.handleAdminDeleteKey))

	r.POST("/admin/links", s.authed(s.handleAdminCreateLink))
	r.PUT("/admin/links", s.authed(s.handleAdminUpdateLink))
	r.DELETE("/admin/links", s.authed(s.handleAdminDeleteLink))

	r.GET("/admin/capabilities", s.authed(s.handleAdminListCapabilities))
	r.POST("/admin/capabilities", s.authed(s.handleAdminCreateCapability))
	r.POST("/admin/models/{id}/capabilities/{cap}", s.authed(s.handleAdminAttachCapability))
	r.DELETE("/admin/models/{id}/capabilities/{cap}", s.authed(s.handleAdminDetachCapability))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		s.timing,
		corsHandler(s.cfg.CORSOrigins),
	)
}

// Start blocks serving HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // streams may be long-lived
		MaxRequestBodySize: 16 << 20,
	}
	s.log.Info("server: listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// adminResult is the envelope every admin route answers with, success or not.
type adminResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeAdminOK(ctx *fasthttp.RequestCtx, data any) {
	writeJSON(ctx, adminResult{Success: true, Data: data})
}

// writeAdminErr reports a handled admin failure. The envelope rides on a 200
// by surrounding-service convention; only auth failures use real statuses.
func writeAdminErr(ctx *fasthttp.RequestCtx, msg string) {
	writeJSON(ctx, adminResult{Success: false, Message: msg})
}
