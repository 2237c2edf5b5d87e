package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/antiproxy/antiproxy/internal/codec"
)

// blockState names which kind of content block, if any, is currently
// open on the canonical side of the adapter (spec.md §4.5).
type blockState int

const (
	stateIdle blockState = iota
	stateInText
	stateInThinking
	stateInToolUse
)

// wireResponse is the partial shape of one streamGenerateContent SSE
// fragment, decoded directly off the "data: " line.
type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type wireContent struct {
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string        `json:"text,omitempty"`
	Thought          bool          `json:"thought,omitempty"`
	ThoughtSignature string        `json:"thoughtSignature,omitempty"`
	FunctionCall     *wireFunction `json:"functionCall,omitempty"`
}

type wireFunction struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Adapter drives the upstream-read / canonical-event-emit pipeline for
// one request. It is not safe for concurrent use by more than one
// goroutine.
type Adapter struct {
	state          blockState
	index          int
	sawAnyBytes    bool
	sawFunctionCall bool
	outputTokens   int
	lastFinish     string
	sigs           *codec.SignatureCache
	thinkingText   strings.Builder
}

// NewAdapter constructs an Adapter. sigs may be nil to disable signature
// observation.
func NewAdapter(sigs *codec.SignatureCache) *Adapter {
	return &Adapter{sigs: sigs}
}

// Run reads SSE lines from body and emits canonical events to out until
// the stream ends, the context is cancelled, or a read error occurs. out
// is closed before Run returns. Run never closes body; the caller owns
// it. The bounded channel size (spec.md §9) is the caller's choice — this
// function only sends, never allocates the channel.
func (a *Adapter) Run(ctx context.Context, body io.Reader, out chan<- Event) error {
	defer close(out)

	send := func(e Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(Event{Type: EventMessageStart})

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			a.closeOpenBlock(send)
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var resp wireResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			// Malformed fragment: skip it without emitting an event and
			// move on rather than failing the whole stream (spec.md §9).
			continue
		}

		if resp.UsageMetadata != nil {
			a.outputTokens = resp.UsageMetadata.CandidatesTokenCount
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			a.lastFinish = candidate.FinishReason
		}

		for _, part := range candidate.Content.Parts {
			a.handlePart(part, send)
		}
	}

	if err := scanner.Err(); err != nil {
		a.closeOpenBlock(send)
		send(Event{Type: EventError, ErrorKind: UpstreamDisconnect, ErrorMessage: err.Error()})
		return err
	}

	a.closeOpenBlock(send)

	stopReason := mapWireFinish(a.lastFinish, a.sawFunctionCall)
	send(Event{Type: EventMessageDelta, StopReason: stopReason, OutputTokens: a.outputTokens})
	send(Event{Type: EventMessageStop})
	return nil
}

// IsEmpty reports whether this run observed no candidate text, no
// function calls, and a zero output-token count — the condition the
// dispatch engine treats as a retryable EmptyResponse (spec.md §4.1).
func (a *Adapter) IsEmpty() bool {
	return !a.sawAnyBytes && !a.sawFunctionCall && a.outputTokens == 0
}

func (a *Adapter) handlePart(part wirePart, send func(Event) bool) {
	switch {
	case part.FunctionCall != nil:
		a.closeOpenBlock(send)
		a.sawFunctionCall = true
		a.sawAnyBytes = true
		id := codec.NewToolUseID()
		send(Event{
			Type:      EventContentBlockStart,
			Index:     a.index,
			BlockKind: codec.BlockToolUse,
			ToolUseID: id,
			ToolName:  part.FunctionCall.Name,
		})
		send(Event{
			Type:        EventContentBlockDelta,
			Index:       a.index,
			DeltaKind:   DeltaInputJSON,
			PartialJSON: string(part.FunctionCall.Args),
		})
		send(Event{Type: EventContentBlockStop, Index: a.index})
		a.index++
		a.state = stateIdle

	case part.Thought:
		if a.state != stateInThinking {
			a.closeOpenBlock(send)
			send(Event{Type: EventContentBlockStart, Index: a.index, BlockKind: codec.BlockThinking})
			a.state = stateInThinking
			a.thinkingText.Reset()
		}
		if part.Text != "" {
			a.sawAnyBytes = true
			a.thinkingText.WriteString(part.Text)
			send(Event{Type: EventContentBlockDelta, Index: a.index, DeltaKind: DeltaThinking, Text: part.Text})
		}
		if part.ThoughtSignature != "" {
			if a.sigs != nil {
				a.sigs.Observe(codec.Digest(a.thinkingText.String()), part.ThoughtSignature)
			}
			send(Event{Type: EventContentBlockDelta, Index: a.index, DeltaKind: DeltaSignature, Signature: part.ThoughtSignature})
		}

	case part.Text != "":
		if a.state != stateInText {
			a.closeOpenBlock(send)
			send(Event{Type: EventContentBlockStart, Index: a.index, BlockKind: codec.BlockText})
			a.state = stateInText
		}
		a.sawAnyBytes = true
		send(Event{Type: EventContentBlockDelta, Index: a.index, DeltaKind: DeltaText, Text: part.Text})

	default:
		// Unknown/empty part: emit nothing, matching §9's passthrough rule.
	}
}

// closeOpenBlock stops the currently open text/thinking block, if any.
// tool_use blocks close themselves inline in handlePart and never reach
// this function with stateInToolUse set.
func (a *Adapter) closeOpenBlock(send func(Event) bool) {
	if a.state == stateIdle {
		return
	}
	send(Event{Type: EventContentBlockStop, Index: a.index})
	a.index++
	a.state = stateIdle
}

func mapWireFinish(reason string, toolUse bool) codec.StopReason {
	if toolUse {
		return codec.StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return codec.StopMaxTokens
	case "SAFETY":
		return codec.StopStopSequence
	default:
		return codec.StopEndTurn
	}
}
