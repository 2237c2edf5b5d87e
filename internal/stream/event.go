// Package stream implements the SSE Stream Adapter (spec.md §4.5): it
// reads the upstream generateContent SSE line protocol and reconstructs
// it into the canonical streaming event sequence, and it writes that
// sequence back out in the Anthropic Messages streaming shape.
package stream

import "github.com/antiproxy/antiproxy/internal/codec"

// EventType tags a canonical streaming event's variant (spec.md §3).
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventError             EventType = "error"
)

// DeltaKind tags the variant of a content_block_delta event.
type DeltaKind string

const (
	DeltaText        DeltaKind = "text_delta"
	DeltaThinking     DeltaKind = "thinking_delta"
	DeltaSignature    DeltaKind = "signature_delta"
	DeltaInputJSON    DeltaKind = "input_json_delta"
)

// ErrorKind tags the reason a terminal error event was raised.
type ErrorKind string

// UpstreamDisconnect is raised when the upstream connection aborts
// mid-stream (spec.md §4.5).
const UpstreamDisconnect ErrorKind = "upstream_disconnect"

// Event is one canonical streaming event. Only the fields relevant to
// Type are populated; the rest are left zero.
type Event struct {
	Type EventType

	// Index is the content-block index for content_block_* events.
	Index int

	// BlockKind names the kind of block opened by content_block_start.
	BlockKind codec.BlockKind

	// ToolUseID/ToolName seed a tool_use content_block_start.
	ToolUseID string
	ToolName  string

	// DeltaKind/Text/PartialJSON/Signature carry the payload of a
	// content_block_delta event, one of which is populated depending on
	// DeltaKind.
	DeltaKind   DeltaKind
	Text        string
	PartialJSON string
	Signature   string

	// InputTokens is set on message_start.
	InputTokens int

	// StopReason/OutputTokens are set on message_delta.
	StopReason   codec.StopReason
	OutputTokens int

	// ErrorKind/ErrorMessage are set on error.
	ErrorKind    ErrorKind
	ErrorMessage string
}
