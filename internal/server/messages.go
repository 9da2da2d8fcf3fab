package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/strategy"
	"github.com/nulpointcorp/model-router/internal/translate"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	var body translate.AnthropicRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			"invalid request body: "+err.Error(), apierr.TypeInvalidRequest)
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			"model and messages are required", apierr.TypeInvalidRequest)
		return
	}

	req := translate.ToChatRequest(&body)
	req.RequestID = requestIDFrom(ctx)

	start := time.Now()
	res, cancel, err := s.route(ctx, req)
	if err != nil {
		s.writeMessagesError(ctx, req.Model, err)
		s.auditRequest(ctx, req, "", "/v1/messages", start, nil)
		return
	}

	if res.Stream != nil {
		s.writeAnthropicSSE(ctx, res.Stream, req.Model, cancel)
		s.auditRequest(ctx, req, res.Provider, "/v1/messages", start, nil)
		return
	}
	writeJSON(ctx, translate.FromChatResponse(res.Response, req.Model))
	s.auditRequest(ctx, req, res.Provider, "/v1/messages", start, res.Response)
}

// writeAnthropicSSE pipes upstream OpenAI chunks through the translator and
// writes the typed Anthropic event sequence. On any writer exit the dispatch
// is cancelled and the event channel drained, unwinding the translator and
// the supervising goroutine so the stream's lease is returned.
func (s *Server) writeAnthropicSSE(ctx *fasthttp.RequestCtx, frames <-chan adapters.StreamFrame, model string, cancel context.CancelFunc) {
	setStreamHeaders(ctx)
	events := translate.Stream(frames, model, s.log)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as writer panics
		defer func() {
			cancel()
			for range events {
			}
		}()

		for ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}

// writeMessagesError maps routing failures onto the Anthropic error surface.
func (s *Server) writeMessagesError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch {
	case errors.Is(err, router.ErrModelUnavailable):
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("model '%s' is not available", model), apierr.TypeNotFoundError)
	case errors.Is(err, strategy.ErrProviderNotFound):
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest)
	case errors.Is(err, strategy.ErrAllProvidersUnavailable),
		errors.Is(err, pool.ErrPoolExhausted):
		apierr.WriteAnthropic(ctx, fasthttp.StatusServiceUnavailable,
			fmt.Sprintf("no healthy providers available for model '%s'", model), apierr.TypeOverloadedError)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteAnthropic(ctx, fasthttp.StatusGatewayTimeout,
			"provider request timed out", apierr.TypeProviderError)
	default:
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError)
	}
}
