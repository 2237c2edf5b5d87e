package codec

import (
	"encoding/json"
)

// GeminiMaxOutputTokensCap is the ceiling generationConfig.maxOutputTokens
// is clamped to, regardless of the caller's requested max_tokens (§4.1).
const GeminiMaxOutputTokensCap = 16384

// ToGoogleRequest translates a canonical Request into the Google
// generateContent request body plus the session id derived from it. sigs
// resolves a re-attachable thoughtSignature for a thinking block's digest;
// pass nil to skip signature replay entirely (first turn of a conversation).
func ToGoogleRequest(req *Request, sigs *SignatureCache, maxOutputTokensCap int) (*googleRequest, string) {
	if maxOutputTokensCap <= 0 {
		maxOutputTokensCap = GeminiMaxOutputTokensCap
	}

	gr := &googleRequest{}
	sessionID := SessionID(req)
	gr.SessionID = sessionID

	systemText := BuildSystemInstruction(req.System)
	gr.SystemInstruction = &googleContent{
		Role:  "user",
		Parts: []googlePart{{Text: systemText}},
	}

	// toolNameByID lets a later tool_result block recover the function
	// name from the tool_use it answers, since Google's functionResponse
	// needs name but Anthropic's tool_result only carries tool_use_id.
	toolNameByID := map[string]string{}
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			if block.Kind == BlockToolUse {
				toolNameByID[block.ToolUseID] = block.ToolName
			}
		}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}

		var parts []googlePart
		for _, block := range msg.Content {
			switch block.Kind {
			case BlockText:
				parts = append(parts, googlePart{Text: block.Text})

			case BlockThinking:
				part := googlePart{Text: block.Text, Thought: true}
				if sigs != nil {
					sig := sigs.Lookup(Digest(block.Text))
					if sig != SkipSignature {
						part.ThoughtSignature = sig
					}
				} else if block.Signature != "" {
					part.ThoughtSignature = block.Signature
				}
				parts = append(parts, part)

			case BlockToolUse:
				parts = append(parts, googlePart{
					FunctionCall: &googleFunctionCall{
						Name: block.ToolName,
						Args: json.RawMessage(block.ToolInput),
					},
				})

			case BlockToolResult:
				name := toolNameByID[block.ToolResultID]
				parts = append(parts, googlePart{
					FunctionResponse: &googleFunctionReply{
						Name:     name,
						Response: toolResponsePayload(block),
					},
				})
			}
		}

		if len(parts) == 0 {
			continue
		}
		gr.Contents = append(gr.Contents, googleContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		decls := make([]googleFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, googleFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Schema),
			})
		}
		gr.Tools = []googleToolDeclaration{{FunctionDeclarations: decls}}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > maxOutputTokensCap {
		maxTokens = maxOutputTokensCap
	}
	genConfig := &googleGenerationConfig{MaxOutputTokens: maxTokens}
	if req.Thinking {
		genConfig.ThinkingConfig = &googleThinkingConfig{IncludeThoughts: true}
	}
	gr.GenerationConfig = genConfig

	return gr, sessionID
}

// toolResponsePayload wraps a tool_result's text content in the object
// shape functionResponse.response expects. Google requires an object, so
// a plain string result is nested under a "result" key; error results are
// nested under "error" so the model can distinguish them.
func toolResponsePayload(block ContentBlock) json.RawMessage {
	key := "result"
	if block.ToolResultIsError {
		key = "error"
	}
	payload := map[string]string{key: block.ToolResultContent}
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// BuildEnvelope wraps a translated googleRequest in the full upstream
// envelope (§3), stamping project, model, user agent, and a fresh
// request id for this attempt.
func BuildEnvelope(gr *googleRequest, project, model, userAgent, requestID string) *Envelope {
	return &Envelope{
		Project:     project,
		Model:       model,
		UserAgent:   userAgent,
		RequestType: "agent",
		RequestID:   requestID,
		Request:     *gr,
	}
}
