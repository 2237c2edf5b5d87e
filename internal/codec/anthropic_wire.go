package codec

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// anthropicRequest is the wire shape of a POST /v1/messages body.
type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    json.RawMessage    `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// anthropicBlock is the union of every content-block shape the Messages
// API can send or receive; fields outside Type are populated per variant.
type anthropicBlock struct {
	Type string `json:"type"`

	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParseAnthropicRequest decodes a POST /v1/messages body into the
// canonical Request (spec.md §6).
func ParseAnthropicRequest(data []byte) (*Request, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding messages request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("request missing required field: model")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("request missing required field: messages")
	}

	req := &Request{
		Model:     wire.Model,
		MaxTokens: wire.MaxTokens,
		Stream:    wire.Stream,
		Thinking:  wire.Thinking != nil,
		System:    parseSystemText(wire.System),
	}

	for _, m := range wire.Messages {
		blocks, err := parseContentBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		role := RoleUser
		if m.Role == "assistant" {
			role = RoleAssistant
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: blocks})
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, ToolDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}

	return req, nil
}

// parseSystemText accepts either a bare string or Anthropic's alternate
// array-of-text-blocks shape for the top-level "system" field.
func parseSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			text += b.Text
		}
		return text
	}
	return ""
}

// parseContentBlocks accepts either a bare string (shorthand for a single
// text block) or the full content-block array shape.
func parseContentBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ContentBlock{{Kind: BlockText, Text: asString}}, nil
	}

	var wireBlocks []anthropicBlock
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, fmt.Errorf("decoding message content: %w", err)
	}

	blocks := make([]ContentBlock, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: b.Text})
		case "thinking":
			blocks = append(blocks, ContentBlock{Kind: BlockThinking, Text: b.Thinking, Signature: b.Signature})
		case "tool_use":
			blocks = append(blocks, ContentBlock{
				Kind:      BlockToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case "tool_result":
			blocks = append(blocks, ContentBlock{
				Kind:              BlockToolResult,
				ToolResultID:      b.ToolUseID,
				ToolResultContent: toolResultText(b.Content),
				ToolResultIsError: b.IsError,
			})
		}
	}
	return blocks, nil
}

// toolResultText accepts tool_result's content as either a bare string or
// a nested array of text blocks, flattening either into plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			text += b.Text
		}
		return text
	}
	return ""
}

// anthropicResponse is the wire shape of a one-shot /v1/messages reply.
type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason StopReason       `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MarshalAnthropicResponse serializes a canonical Response into the
// Messages API's JSON reply shape.
func MarshalAnthropicResponse(resp *Response) ([]byte, error) {
	wire := anthropicResponse{
		ID:         newMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, b := range resp.Content {
		wire.Content = append(wire.Content, blockToWire(b))
	}
	return json.Marshal(wire)
}

func blockToWire(b ContentBlock) anthropicBlock {
	switch b.Kind {
	case BlockThinking:
		return anthropicBlock{Type: "thinking", Thinking: b.Text, Signature: b.Signature}
	case BlockToolUse:
		return anthropicBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}
	default:
		return anthropicBlock{Type: "text", Text: b.Text}
	}
}

func newMessageID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return "msg_" + hex.EncodeToString(b[:])
}
