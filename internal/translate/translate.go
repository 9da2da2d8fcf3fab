// Package translate converts between the Anthropic messages protocol and the
// OpenAI-shaped form used internally.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

// ContentBlock is one segment of an Anthropic message's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessageContent accepts both the array form and the plain-string shorthand
// the Anthropic API allows.
type MessageContent []ContentBlock

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = MessageContent{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b, &blocks); err != nil {
		return fmt.Errorf("translate: content must be a string or block array: %w", err)
	}
	*c = blocks
	return nil
}

// AnthropicMessage is one turn of an Anthropic conversation.
type AnthropicMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// AnthropicRequest is the body of POST /v1/messages.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicResponse is the unary body of POST /v1/messages.
type AnthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage `json:"usage"`
}

// AnthropicUsage mirrors Anthropic's token accounting field names.
type AnthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ToChatRequest flattens an Anthropic request into the internal OpenAI-shaped
// form. Content segments of one message join with single spaces; a system
// prompt becomes a leading system message.
func ToChatRequest(ar *AnthropicRequest) *adapters.ChatRequest {
	req := &adapters.ChatRequest{
		Model:       ar.Model,
		Stream:      ar.Stream,
		MaxTokens:   ar.MaxTokens,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
		Stop:        ar.StopSequences,
	}
	if ar.System != "" {
		req.Messages = append(req.Messages, adapters.Message{Role: "system", Content: ar.System})
	}
	for _, m := range ar.Messages {
		parts := make([]string, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		req.Messages = append(req.Messages, adapters.Message{
			Role:    m.Role,
			Content: strings.Join(parts, " "),
		})
	}
	return req
}

// FromChatResponse renders a unary internal response in the Anthropic shape,
// wrapping the text in a single content block.
func FromChatResponse(resp *adapters.ChatResponse, model string) *AnthropicResponse {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return &AnthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []ContentBlock{{Type: "text", Text: resp.Content}},
		StopReason: stopReason(resp.FinishReason),
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func stopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "", "stop":
		return "end_turn"
	default:
		return finish
	}
}

// chunk is the slice of an OpenAI streaming frame the translator reads.
type chunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func messageStart(model string) string {
	b, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":          "msg_" + uuid.NewString(),
			"type":        "message",
			"role":        "assistant",
			"model":       model,
			"content":     []any{},
			"stop_reason": nil,
			"usage":       map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
	return string(b)
}

func contentBlockDelta(text string) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
	return string(b)
}

func messageDelta(reason string, outputTokens int) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outputTokens},
	})
	return string(b)
}

func errorEvent(message string) string {
	b, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": message},
	})
	return string(b)
}

const (
	contentBlockStart = `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	contentBlockStop  = `{"type":"content_block_stop","index":0}`
	messageStop       = `{"type":"message_stop"}`
)
