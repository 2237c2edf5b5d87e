// Package codec translates between the Anthropic Messages schema and the
// Google generateContent schema, in both directions, for one-shot and
// streaming forms. It makes no network calls and holds no package-level
// state; the thinking-signature cache is an instance the caller builds
// with NewSignatureCache and passes in.
package codec

// BlockKind tags a ContentBlock's variant.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one piece of a message's content, in whichever of the
// four variants Kind names. Fields not relevant to Kind are left zero.
type ContentBlock struct {
	Kind BlockKind

	// Text holds the text for BlockText and BlockThinking.
	Text string

	// Signature is the Gemini thoughtSignature attached to a thinking
	// block, when one has been observed.
	Signature string

	// ToolUseID/ToolName/ToolInput describe a BlockToolUse block. Input
	// is the raw JSON object the model produced as call arguments.
	ToolUseID string
	ToolName  string
	ToolInput []byte

	// ToolResultID/ToolResultContent/ToolResultIsError describe a
	// BlockToolResult block, carried only on user-role messages.
	ToolResultID      string
	ToolResultContent string
	ToolResultIsError bool
}

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the canonical conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDeclaration describes one callable tool offered to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      []byte // raw JSON Schema object
}

// Request is the canonical, provider-agnostic chat request the dispatch
// engine and HTTP handler operate on.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDeclaration
	MaxTokens int
	Stream    bool
	Thinking  bool
}

// StopReason is the canonical terminal reason for a one-shot response or
// a streamed message_delta event.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage carries token accounting, mapped from Gemini's usageMetadata.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the canonical one-shot response.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}
