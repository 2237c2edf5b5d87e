package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnthropicRequestStringContentShorthand(t *testing.T) {
	body := []byte(`{"model":"gemini-2.5-flash","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	req, err := ParseAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", req.Model)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, BlockText, req.Messages[0].Content[0].Kind)
	assert.Equal(t, "hello", req.Messages[0].Content[0].Text)
}

func TestParseAnthropicRequestBlockArrayContent(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-pro",
		"system": "be terse",
		"thinking": {"type": "enabled"},
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "pondering", "signature": "sig-1"},
				{"type": "tool_use", "id": "call_abc", "name": "search", "input": {"q": "go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "call_abc", "content": "3 results", "is_error": false}
			]}
		]
	}`)
	req, err := ParseAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "be terse", req.System)
	assert.True(t, req.Thinking)

	require.Len(t, req.Messages, 2)
	assistant := req.Messages[0]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, BlockThinking, assistant.Content[0].Kind)
	assert.Equal(t, "sig-1", assistant.Content[0].Signature)
	assert.Equal(t, BlockToolUse, assistant.Content[1].Kind)
	assert.Equal(t, "call_abc", assistant.Content[1].ToolUseID)
	assert.Equal(t, "search", assistant.Content[1].ToolName)

	user := req.Messages[1]
	require.Len(t, user.Content, 1)
	assert.Equal(t, BlockToolResult, user.Content[0].Kind)
	assert.Equal(t, "call_abc", user.Content[0].ToolResultID)
	assert.Equal(t, "3 results", user.Content[0].ToolResultContent)
}

func TestParseAnthropicRequestRejectsMissingModel(t *testing.T) {
	_, err := ParseAnthropicRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	assert.Error(t, err)
}

func TestParseAnthropicRequestRejectsEmptyMessages(t *testing.T) {
	_, err := ParseAnthropicRequest([]byte(`{"model":"gemini-2.5-flash","messages":[]}`))
	assert.Error(t, err)
}

func TestMarshalAnthropicResponseRoundTripsBlocks(t *testing.T) {
	resp := &Response{
		Model: "gemini-2.5-pro",
		Content: []ContentBlock{
			{Kind: BlockThinking, Text: "thinking...", Signature: "sig-9"},
			{Kind: BlockText, Text: "the answer is 4"},
			{Kind: BlockToolUse, ToolUseID: "call_1", ToolName: "add", ToolInput: []byte(`{"a":2,"b":2}`)},
		},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 10, OutputTokens: 20},
	}

	data, err := MarshalAnthropicResponse(resp)
	require.NoError(t, err)

	var wire anthropicResponse
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "message", wire.Type)
	assert.Equal(t, "assistant", wire.Role)
	assert.True(t, strings.HasPrefix(wire.ID, "msg_"))
	require.Len(t, wire.Content, 3)
	assert.Equal(t, "thinking", wire.Content[0].Type)
	assert.Equal(t, "sig-9", wire.Content[0].Signature)
	assert.Equal(t, "tool_use", wire.Content[2].Type)
	assert.Equal(t, "add", wire.Content[2].Name)
	assert.Equal(t, 10, wire.Usage.InputTokens)
}
