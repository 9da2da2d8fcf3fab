package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

func TestBuildParamsExtractsSystemPrompt(t *testing.T) {
	a := &Adapter{model: "claude-sonnet-4-5"}
	params := a.buildParams(&adapters.ChatRequest{
		Messages: []adapters.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		},
		MaxTokens: 128,
	})

	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Fatalf("system prompt not extracted: %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system removed)", len(params.Messages))
	}
	if params.MaxTokens != 128 {
		t.Fatalf("max tokens = %d", params.MaxTokens)
	}
	if string(params.Model) != "claude-sonnet-4-5" {
		t.Fatalf("model = %s", params.Model)
	}
}

func TestBuildParamsDefaultMaxTokens(t *testing.T) {
	a := &Adapter{}
	params := a.buildParams(&adapters.ChatRequest{
		Model:    "claude-3-5-haiku",
		Messages: []adapters.Message{{Role: "user", Content: "hi"}},
	})
	if params.MaxTokens != defaultMaxTokens {
		t.Fatalf("max tokens = %d, want default %d", params.MaxTokens, defaultMaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"":              "",
		"tool_use":      "tool_use",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChunkJSONShape(t *testing.T) {
	frame := chunkJSON("msg_1", "claude-sonnet-4-5", 1700000000, "hello", "")

	var chunk struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Index int `json:"index"`
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Fatalf("object = %q", chunk.Object)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Delta.Content != "hello" {
		t.Fatalf("choices = %+v", chunk.Choices)
	}
	if chunk.Choices[0].FinishReason != nil {
		t.Fatal("finish_reason must be null for a content delta")
	}

	final := chunkJSON("msg_1", "claude-sonnet-4-5", 1700000000, "", "stop")
	if err := json.Unmarshal([]byte(final), &chunk); err != nil {
		t.Fatalf("final frame invalid: %v", err)
	}
	if chunk.Choices[0].FinishReason == nil || *chunk.Choices[0].FinishReason != "stop" {
		t.Fatalf("final finish_reason = %v", chunk.Choices[0].FinishReason)
	}
}
