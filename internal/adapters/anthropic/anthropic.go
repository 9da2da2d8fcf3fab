// Package anthropic implements the adapter for Anthropic providers over the
// official SDK. Anthropic's typed event stream is normalized to OpenAI-style
// chunk frames at this boundary so every downstream component sees one
// protocol.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Adapter implements adapters.Adapter for Anthropic.
type Adapter struct {
	name    string
	model   string
	client  anthropic.Client
	metrics adapters.RollingMetrics
}

// New builds an adapter for one settings tuple.
func New(_ context.Context, s adapters.Settings) (adapters.Adapter, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	a := &Adapter{
		name:  s.ProviderName,
		model: s.Model,
	}
	a.client = anthropic.NewClient(
		option.WithAPIKey(s.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: adapters.ProviderTimeout}),
	)
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Metrics() *adapters.RollingMetrics { return &a.metrics }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toAdapterError(err))
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	msg, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, toAdapterError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if t, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}

	return &adapters.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: adapters.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

// StreamChatCompletion converts Anthropic's event stream into OpenAI-style
// chunk frames ending with the [DONE] sentinel. Only text deltas and the
// final stop reason survive the conversion.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, toAdapterError(err)
	}

	ch := make(chan adapters.StreamFrame, 64)
	go func() {
		defer close(ch)

		id := req.RequestID
		created := time.Now().Unix()
		model := req.Model
		if model == "" {
			model = a.model
		}

		emit := func(frame string) bool {
			select {
			case ch <- adapters.StreamFrame{Data: frame}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				if ev.Message.ID != "" {
					id = ev.Message.ID
				}
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !emit(chunkJSON(id, model, created, d.Text, "")) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					if !emit(chunkJSON(id, model, created, "", mapStopReason(string(ev.Delta.StopReason)))) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- adapters.StreamFrame{Err: toAdapterError(err)}
			return
		}
		ch <- adapters.StreamFrame{Data: adapters.DoneFrame}
	}()

	return ch, nil
}

func (a *Adapter) buildParams(req *adapters.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	// Frequency and presence penalties have no Anthropic equivalent.
	return params
}

// chunkJSON renders one OpenAI chat completion chunk.
func chunkJSON(id, model string, created int64, content, finish string) string {
	type delta struct {
		Content string `json:"content,omitempty"`
	}
	type choice struct {
		Index        int     `json:"index"`
		Delta        delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}
	c := choice{Delta: delta{Content: content}}
	if finish != "" {
		c.FinishReason = &finish
	}
	b, _ := json.Marshal(struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []choice{c},
	})
	return string(b)
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return r
	}
}

// AdapterError is a structured upstream error with the provider's HTTP status.
type AdapterError struct {
	StatusCode int
	Message    string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements adapters.StatusCoder.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

func toAdapterError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &AdapterError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}
