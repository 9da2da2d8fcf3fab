package translate

import (
	"encoding/json"
	"log/slog"

	"github.com/nulpointcorp/model-router/internal/adapters"
)

// Event is one typed Anthropic SSE event, ready to be written as
// "event: <Type>\ndata: <Data>\n\n".
type Event struct {
	Type string
	Data string
}

// Stream converts an OpenAI-style chunk stream into the Anthropic typed
// event sequence:
//
//	message_start, content_block_start, content_block_delta …,
//	content_block_stop, message_delta, message_stop
//
// The [DONE] terminator is consumed. Frames that fail to decode are logged
// and skipped; only a broken upstream aborts with an error event.
func Stream(in <-chan adapters.StreamFrame, model string, log *slog.Logger) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		out <- Event{Type: "message_start", Data: messageStart(model)}

		var (
			blockOpen  bool
			stop       = "end_turn"
			charsTotal int
		)
		for frame := range in {
			if frame.Err != nil {
				log.Warn("translate: upstream stream error", slog.String("error", frame.Err.Error()))
				out <- Event{Type: "error", Data: errorEvent(frame.Err.Error())}
				return
			}
			if frame.Data == adapters.DoneFrame {
				continue
			}

			var c chunk
			if err := json.Unmarshal([]byte(frame.Data), &c); err != nil {
				log.Warn("translate: skipping undecodable frame", slog.String("error", err.Error()))
				continue
			}
			if len(c.Choices) == 0 {
				continue
			}
			choice := c.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				stop = stopReason(*choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}

			if !blockOpen {
				blockOpen = true
				out <- Event{Type: "content_block_start", Data: contentBlockStart}
			}
			charsTotal += len(choice.Delta.Content)
			out <- Event{Type: "content_block_delta", Data: contentBlockDelta(choice.Delta.Content)}
		}

		if blockOpen {
			out <- Event{Type: "content_block_stop", Data: contentBlockStop}
		}
		// ~4 characters per token, same heuristic as unary accounting.
		out <- Event{Type: "message_delta", Data: messageDelta(stop, max(charsTotal/4, 1))}
		out <- Event{Type: "message_stop", Data: messageStop}
	}()

	return out
}
