// Package openai implements the adapter for OpenAI and every
// OpenAI-compatible provider type (volcengine, custom, private). The wire
// protocol is identical; only the base URL and credential differ.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements adapters.Adapter over the official OpenAI SDK.
type Adapter struct {
	name    string
	model   string
	client  openaiSDK.Client
	metrics adapters.RollingMetrics
}

// New builds an adapter for one settings tuple.
func New(_ context.Context, s adapters.Settings) (adapters.Adapter, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	a := &Adapter{
		name:  s.ProviderName,
		model: s.Model,
	}
	a.client = openaiSDK.NewClient(
		option.WithAPIKey(s.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: adapters.ProviderTimeout}),
	)
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Metrics() *adapters.RollingMetrics { return &a.metrics }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toAdapterError(err))
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, toAdapterError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &adapters.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapters.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// StreamChatCompletion forwards the upstream chunk stream frame by frame.
// Frames carry the provider's own chunk JSON untouched.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamFrame, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, toAdapterError(err)
	}

	ch := make(chan adapters.StreamFrame, 64)
	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			select {
			case ch <- adapters.StreamFrame{Data: chunk.RawJSON()}:
			case <-ctx.Done():
				return
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

// CreateImage implements adapters.ImageAdapter.
func (a *Adapter) CreateImage(ctx context.Context, req *adapters.ImageRequest) (*adapters.ImageResponse, error) {
	params := openaiSDK.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openaiSDK.ImageModel(req.Model),
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(req.Size)
	}
	if req.ResponseFormat != "" {
		params.ResponseFormat = openaiSDK.ImageGenerateParamsResponseFormat(req.ResponseFormat)
	}

	resp, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	data := make([]adapters.ImageData, len(resp.Data))
	for i, d := range resp.Data {
		data[i] = adapters.ImageData{URL: d.URL, B64JSON: d.B64JSON}
	}
	return &adapters.ImageResponse{Created: resp.Created, Data: data}, nil
}

func (a *Adapter) buildParams(req *adapters.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// AdapterError is a structured upstream error with the provider's HTTP status.
type AdapterError struct {
	StatusCode int
	Message    string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements adapters.StatusCoder.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

func toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &AdapterError{StatusCode: apierr.StatusCode, Message: apierr.Error()}
	}
	return err
}
