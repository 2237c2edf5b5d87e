package codec

import "encoding/json"

// googleContent, googlePart and friends mirror the wire shapes of Google's
// generateContent request/response (the upstream's v1internal surface).
// Part shapes vary slightly between the daily and prod endpoints (field
// casing, presence of thoughtSignature); unknown fields are left to pass
// through untouched rather than rejected.

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string               `json:"text,omitempty"`
	Thought          bool                 `json:"thought,omitempty"`
	ThoughtSignature string               `json:"thoughtSignature,omitempty"`
	FunctionCall     *googleFunctionCall  `json:"functionCall,omitempty"`
	FunctionResponse *googleFunctionReply `json:"functionResponse,omitempty"`
}

type googleFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type googleFunctionReply struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type googleToolDeclaration struct {
	FunctionDeclarations []googleFunctionDeclaration `json:"functionDeclarations"`
}

type googleFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type googleThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type googleGenerationConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *googleThinkingConfig `json:"thinkingConfig,omitempty"`
}

// googleRequest is the body of the generateContent / streamGenerateContent
// call, nested under the "request" key of the upstream envelope (§3).
type googleRequest struct {
	Contents          []googleContent          `json:"contents"`
	SystemInstruction *googleContent           `json:"systemInstruction,omitempty"`
	Tools             []googleToolDeclaration  `json:"tools,omitempty"`
	GenerationConfig  *googleGenerationConfig  `json:"generationConfig,omitempty"`
	SessionID         string                   `json:"sessionId,omitempty"`
}

// Envelope is the full upstream request envelope named in spec.md §3.
type Envelope struct {
	Project     string        `json:"project"`
	Model       string        `json:"model"`
	UserAgent   string        `json:"userAgent"`
	RequestType string        `json:"requestType"`
	RequestID   string        `json:"requestId"`
	Request     googleRequest `json:"request"`
}

type googleUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// GoogleResponse is the decoded shape of one generateContent response, or
// one streamGenerateContent SSE fragment — both use the same structure,
// the streaming form simply carries a partial Content per event.
type GoogleResponse struct {
	Candidates    []googleCandidate    `json:"candidates"`
	UsageMetadata *googleUsageMetadata `json:"usageMetadata,omitempty"`
}
