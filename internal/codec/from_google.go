package codec

import "strings"

// FromGoogleResponse translates a complete Google generateContent response
// into the canonical one-shot Response (§4.1). Only the first candidate is
// considered, matching upstream's single-candidate usage in this system.
func FromGoogleResponse(resp *GoogleResponse, model string) *Response {
	out := &Response{Model: model}

	if len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	out.Content = partsToBlocks(candidate.Content.Parts)
	out.StopReason = mapFinishReason(candidate.FinishReason, hasToolUse(out.Content))
	if candidate.FinishReason == "SAFETY" {
		out.Content = append(out.Content, ContentBlock{Kind: BlockText, Text: SafetyNotice})
	}

	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

// partsToBlocks collapses a run of Google parts into canonical content
// blocks: contiguous plain-text parts merge into one text block, each
// thought part becomes its own thinking block, and each functionCall part
// becomes a tool_use block with a synthesized id. Unknown part shapes
// (neither text, thought, nor functionCall) are treated as an empty text
// delta rather than failing the translation (§9 upstream schema variance).
func partsToBlocks(parts []googlePart) []ContentBlock {
	var blocks []ContentBlock
	var textRun strings.Builder

	flushText := func() {
		if textRun.Len() > 0 {
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: textRun.String()})
			textRun.Reset()
		}
	}

	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			flushText()
			blocks = append(blocks, ContentBlock{
				Kind:      BlockToolUse,
				ToolUseID: NewToolUseID(),
				ToolName:  p.FunctionCall.Name,
				ToolInput: p.FunctionCall.Args,
			})
		case p.Thought:
			flushText()
			blocks = append(blocks, ContentBlock{
				Kind:      BlockThinking,
				Text:      p.Text,
				Signature: p.ThoughtSignature,
			})
		case p.Text != "":
			textRun.WriteString(p.Text)
		default:
			// Unknown/empty part: pass through as nothing rather than
			// failing the translation.
		}
	}
	flushText()
	return blocks
}

func hasToolUse(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}

// mapFinishReason implements the §4.1 finishReason mapping.
func mapFinishReason(reason string, toolUse bool) StopReason {
	if toolUse {
		return StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return StopMaxTokens
	case "SAFETY":
		return StopStopSequence
	case "STOP", "":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

// SafetyNotice is the synthesized block text appended when upstream stops
// a response for SAFETY, per §4.1's "synthesized notice" requirement.
const SafetyNotice = "[Response stopped for safety reasons]"
