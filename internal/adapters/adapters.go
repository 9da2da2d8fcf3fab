// Package adapters defines the common interface and types implemented by all
// upstream provider clients (OpenAI-compatible, Anthropic, Google).
//
// Each adapter lives in its own sub-package and implements Adapter for exactly
// one (provider type, base URL, model, API key) tuple. Adapters that support
// image generation additionally implement ImageAdapter.
package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/model-router/internal/store"
)

// DoneFrame is the in-band terminator every adapter stream ends with.
const DoneFrame = "[DONE]"

// ProviderTimeout bounds unary upstream calls. Streams carry no deadline.
const ProviderTimeout = 30 * time.Second

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int64
		CompletionTokens int64
		TotalTokens      int64
	}

	// ChatRequest — normalized chat completion request. Sampling knobs a
	// provider has no equivalent for are dropped at its adapter.
	ChatRequest struct {
		Model            string
		Messages         []Message
		Stream           bool
		Temperature      float64
		TopP             float64
		MaxTokens        int
		Stop             []string
		FrequencyPenalty float64
		PresencePenalty  float64
		RequestID        string
	}

	// ChatResponse — normalized unary response.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// StreamFrame is one OpenAI-style SSE payload: the raw JSON of a chat
	// completion chunk, without the "data: " prefix. The final frame carries
	// DoneFrame. Err is set instead of Data when the upstream stream broke.
	StreamFrame struct {
		Data string
		Err  error
	}

	// ImageRequest — normalized image generation request.
	ImageRequest struct {
		Model          string
		Prompt         string
		N              int
		Size           string
		ResponseFormat string
	}

	// ImageData — one generated image, URL or base64 depending on the request.
	ImageData struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}

	// ImageResponse — normalized image generation response.
	ImageResponse struct {
		Created int64       `json:"created"`
		Data    []ImageData `json:"data"`
	}
)

// Adapter is a stateful upstream client. Implementations are safe for
// concurrent use; the pool serializes construction, not calls.
type Adapter interface {
	Name() string
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// StreamChatCompletion returns a finite, non-restartable sequence of
	// OpenAI-style frames ending with DoneFrame.
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (<-chan StreamFrame, error)
	HealthCheck(ctx context.Context) error
	Metrics() *RollingMetrics
	Close() error
}

// ImageAdapter is an optional interface implemented by adapters whose
// provider exposes image endpoints. Check with a type assertion before calling.
type ImageAdapter interface {
	CreateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// StatusCoder is carried by adapter errors that know their upstream HTTP
// status. The failover logic uses it to classify retryability.
type StatusCoder interface {
	HTTPStatus() int
}

// Settings identify the upstream tuple an adapter is built for.
type Settings struct {
	ProviderType store.ProviderType
	ProviderName string
	BaseURL      string
	Model        string
	APIKey       string
	APIKeyID     uint
}

// Factory constructs an adapter for one settings tuple.
type Factory func(ctx context.Context, s Settings) (Adapter, error)

// New builds an adapter for the given settings using the factory table.
// OpenAI-compatible provider types (volcengine, custom, private) share the
// openai factory; registration happens in the sub-packages' Register calls
// from the composition root.
func New(ctx context.Context, s Settings) (Adapter, error) {
	mu.RLock()
	f, ok := factories[s.ProviderType]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapters: unsupported provider type %q", s.ProviderType)
	}
	return f(ctx, s)
}

var (
	mu        sync.RWMutex
	factories = map[store.ProviderType]Factory{}
)

// Register installs the factory for a provider type. Later registrations for
// the same type win, which tests use to install fakes.
func Register(t store.ProviderType, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[t] = f
}
