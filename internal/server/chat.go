package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/adapters"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/pool"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/strategy"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

// openAIMessage tolerates both the plain-string content and the typed
// segment array some clients send.
type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

// stopSequences accepts both the single-string and array forms of "stop".
func stopSequences(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// contentText flattens an OpenAI message content value to plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &segments) != nil {
		return ""
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Type == "text" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var body openAIRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid request body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model and messages are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	// Unsupported knobs are rejected rather than silently dropped.
	if len(body.Tools) > 0 && string(body.Tools) != "null" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"tools are not supported", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.N > 1 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"n greater than 1 is not supported", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	stop, err := stopSequences(body.Stop)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"stop must be a string or an array of strings", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := &adapters.ChatRequest{
		Model:            body.Model,
		Stream:           body.Stream,
		Temperature:      body.Temperature,
		TopP:             body.TopP,
		MaxTokens:        body.MaxTokens,
		Stop:             stop,
		FrequencyPenalty: body.FrequencyPenalty,
		PresencePenalty:  body.PresencePenalty,
		RequestID:        requestIDFrom(ctx),
	}
	for _, m := range body.Messages {
		req.Messages = append(req.Messages, adapters.Message{Role: m.Role, Content: contentText(m.Content)})
	}

	start := time.Now()
	res, cancel, err := s.route(ctx, req)
	if err != nil {
		s.writeRouteError(ctx, req.Model, err)
		s.auditRequest(ctx, req, "", "/v1/chat/completions", start, nil)
		return
	}

	if res.Stream != nil {
		s.writeSSE(ctx, res.Stream, cancel)
		s.auditRequest(ctx, req, res.Provider, "/v1/chat/completions", start, nil)
		return
	}
	writeJSON(ctx, openAICompletion(res.Response, req.Model))
	s.auditRequest(ctx, req, res.Provider, "/v1/chat/completions", start, res.Response)
}

// auditRequest queues one audit record; no-op without an installed logger.
func (s *Server) auditRequest(ctx *fasthttp.RequestCtx, req *adapters.ChatRequest, provider, route string, start time.Time, resp *adapters.ChatResponse) {
	if s.audit == nil {
		return
	}
	entry := logger.RequestLog{
		RequestID: req.RequestID,
		Model:     req.Model,
		Provider:  provider,
		Route:     route,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    ctx.Response.StatusCode(),
		Streamed:  req.Stream,
		CreatedAt: time.Now(),
	}
	if resp != nil {
		entry.InputTokens = resp.Usage.PromptTokens
		entry.OutputTokens = resp.Usage.CompletionTokens
	}
	s.audit.Log(entry)
}

// route dispatches through the router. Unary calls run under the configured
// deadline. Streams carry no deadline; instead the returned cancel aborts the
// dispatch, and the SSE writer fires it on exit so a disconnected client
// cannot strand the stream's pool lease.
func (s *Server) route(ctx *fasthttp.RequestCtx, req *adapters.ChatRequest) (*strategy.Result, context.CancelFunc, error) {
	if req.Stream {
		rctx, cancel := context.WithCancel(ctx)
		res, err := s.router.Route(rctx, req)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		return res, cancel, nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.LoadBalancing.Timeout)
	defer cancel()
	res, err := s.router.Route(rctx, req)
	return res, nil, err
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("request_id").(string); ok {
		return id
	}
	return ""
}

// openAICompletion renders the unary chat.completion body.
func openAICompletion(resp *adapters.ChatResponse, model string) map[string]any {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": resp.Content},
			"finish_reason": finish,
		}},
		"usage": map[string]int64{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
}

// setStreamHeaders applies the SSE header set; intermediaries must not
// buffer, compress, or cache frames.
func setStreamHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.Response.Header.Set("Content-Encoding", "identity")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// writeSSE streams OpenAI chunk frames to the client, flushing each one as
// it arrives. The upstream channel closing ends the response. On any writer
// exit the dispatch is cancelled and the channel drained, so the supervising
// goroutine can settle and return its lease even when the client went away.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, frames <-chan adapters.StreamFrame, cancel context.CancelFunc) {
	setStreamHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as writer panics
		defer func() {
			cancel()
			for range frames {
			}
		}()

		for frame := range frames {
			if frame.Err != nil {
				s.log.Warn("server: stream broke", slog.String("error", frame.Err.Error()))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame.Data)
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}

// writeRouteError maps routing failures onto the OpenAI error surface.
func (s *Server) writeRouteError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch {
	case errors.Is(err, router.ErrModelUnavailable):
		apierr.WriteUnknownModel(ctx, model, s.router.Models())
	case errors.Is(err, strategy.ErrProviderNotFound):
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, strategy.ErrImageUnsupported):
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, strategy.ErrAllProvidersUnavailable),
		errors.Is(err, pool.ErrPoolExhausted):
		apierr.WriteNoProviders(ctx, model)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc adapters.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeProviderError)
	}
}
