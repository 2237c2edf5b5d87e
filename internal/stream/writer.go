package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/antiproxy/antiproxy/internal/codec"
)

// Writer re-emits canonical events as Anthropic Messages SSE, flushing
// after every event so the client sees tokens as they arrive (spec.md
// §4.5: the adapter emits synchronously, it does not buffer whole
// messages).
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	model   string
}

// NewWriter prepares w for SSE writing. Returns an error if w does not
// support flushing.
func NewWriter(w http.ResponseWriter, model string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher, model: model}, nil
}

// Write translates one canonical Event into the corresponding Anthropic
// SSE event and flushes it downstream.
func (sw *Writer) Write(e Event) error {
	name, payload := sw.encode(e)
	if name == "" {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *Writer) encode(e Event) (string, any) {
	switch e.Type {
	case EventMessageStart:
		return "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"type":    "message",
				"role":    "assistant",
				"model":   sw.model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": e.InputTokens, "output_tokens": 0},
			},
		}

	case EventContentBlockStart:
		return "content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         e.Index,
			"content_block": blockStartPayload(e),
		}

	case EventContentBlockDelta:
		return "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.Index,
			"delta": deltaPayload(e),
		}

	case EventContentBlockStop:
		return "content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": e.Index,
		}

	case EventMessageDelta:
		return "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": e.StopReason},
			"usage": map[string]any{"output_tokens": e.OutputTokens},
		}

	case EventMessageStop:
		return "message_stop", map[string]any{"type": "message_stop"}

	case EventError:
		return "error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    e.ErrorKind,
				"message": e.ErrorMessage,
			},
		}

	default:
		return "", nil
	}
}

func blockStartPayload(e Event) map[string]any {
	switch e.BlockKind {
	case codec.BlockThinking:
		return map[string]any{"type": "thinking", "thinking": ""}
	case codec.BlockToolUse:
		return map[string]any{
			"type":  "tool_use",
			"id":    e.ToolUseID,
			"name":  e.ToolName,
			"input": map[string]any{},
		}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

func deltaPayload(e Event) map[string]any {
	switch e.DeltaKind {
	case DeltaThinking:
		return map[string]any{"type": "thinking_delta", "thinking": e.Text}
	case DeltaSignature:
		return map[string]any{"type": "signature_delta", "signature": e.Signature}
	case DeltaInputJSON:
		return map[string]any{"type": "input_json_delta", "partial_json": e.PartialJSON}
	default:
		return map[string]any{"type": "text_delta", "text": e.Text}
	}
}
