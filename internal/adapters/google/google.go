// Package google implements the adapter for Google Gemini models over the
// official GenAI SDK. Stream output is normalized to OpenAI-style chunk
// frames, matching the other adapters.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

// Adapter implements adapters.Adapter for the Gemini API.
type Adapter struct {
	name    string
	model   string
	client  *genai.Client
	metrics adapters.RollingMetrics
}

// New builds an adapter for one settings tuple.
func New(ctx context.Context, s adapters.Settings) (adapters.Adapter, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("google: no API key configured")
	}

	cfg := &genai.ClientConfig{
		APIKey:     s.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: adapters.ProviderTimeout},
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}

	return &Adapter{
		name:   s.ProviderName,
		model:  s.Model,
		client: client,
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Metrics() *adapters.RollingMetrics { return &a.metrics }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("google: health check: %w", toAdapterError(err))
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	contents, cfg := a.buildContentsAndConfig(req)

	resp, err := a.client.Models.GenerateContent(ctx, a.modelFor(req), contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := &adapters.ChatResponse{
		ID:    req.RequestID,
		Model: a.modelFor(req),
	}
	if resp != nil {
		out.Content = resp.Text()
		if resp.ResponseID != "" {
			out.ID = resp.ResponseID
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			out.FinishReason = mapFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			out.Usage = adapters.Usage{
				PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}
	return out, nil
}

// StreamChatCompletion converts the GenAI response stream into OpenAI-style
// chunk frames ending with the [DONE] sentinel.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	contents, cfg := a.buildContentsAndConfig(req)
	model := a.modelFor(req)

	ch := make(chan adapters.StreamFrame, 64)
	go func() {
		defer close(ch)

		id := req.RequestID
		created := time.Now().Unix()

		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- adapters.StreamFrame{Err: toAdapterError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			if resp.ResponseID != "" {
				id = resp.ResponseID
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := mapFinishReason(c.FinishReason)
			if text == "" && finish == "" {
				continue
			}
			select {
			case ch <- adapters.StreamFrame{Data: chunkJSON(id, model, created, text, finish)}:
			case <-ctx.Done():
				return
			}
		}
		ch <- adapters.StreamFrame{Data: adapters.DoneFrame}
	}()

	return ch, nil
}

func (a *Adapter) modelFor(req *adapters.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

func (a *Adapter) buildContentsAndConfig(req *adapters.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 ||
		len(req.Stop) > 0 || req.FrequencyPenalty != 0 || req.PresencePenalty != 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.TopP > 0 {
			cfg.TopP = genai.Ptr[float32](float32(req.TopP))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		if len(req.Stop) > 0 {
			cfg.StopSequences = req.Stop
		}
		if req.FrequencyPenalty != 0 {
			cfg.FrequencyPenalty = genai.Ptr[float32](float32(req.FrequencyPenalty))
		}
		if req.PresencePenalty != 0 {
			cfg.PresencePenalty = genai.Ptr[float32](float32(req.PresencePenalty))
		}
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// mapFinishReason converts GenAI finish reasons to OpenAI finish reasons.
func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(r))
	}
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

// AdapterError is a structured upstream error with the provider's HTTP status.
type AdapterError struct {
	StatusCode int
	Message    string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("google: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements adapters.StatusCoder.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &AdapterError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
