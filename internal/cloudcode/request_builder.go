package cloudcode

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/antiproxy/antiproxy/internal/codec"
)

// UserAgent is the fixed User-Agent string this proxy presents to
// upstream, matching the antigravity/<v> <os>/<arch> shape spec.md §4.4
// requires.
const UserAgent = "antigravity/1.0.0 linux/amd64"

// APIClient is the fixed X-Goog-Api-Client header value.
const APIClient = "gl-go/1.25.2 gdcl/0.1.0"

// thinkingClaudeModels names the Claude-family models that require the
// interleaved-thinking beta header when thinking is requested (spec.md
// §4.4).
var thinkingClaudeModels = map[string]bool{
	"claude-opus-4-5":   true,
	"claude-sonnet-4-5": true,
}

// clientMetadata is serialized into the Client-Metadata header. Values
// are fixed sentinels this system presents as its IDE identity, not
// configurable per spec.md's "ide/platform/pluginType sentinel values".
type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

var fixedClientMetadata = clientMetadata{
	IDEType:    "IDE_UNSPECIFIED",
	Platform:   "PLATFORM_UNSPECIFIED",
	PluginType: "GEMINI",
}

// BuildRequestID mints a fresh "agent-<uuid>" id for one upstream attempt
// (spec.md §4.4: new per attempt, not per request).
func BuildRequestID() string {
	return "agent-" + uuid.NewString()
}

// BuildHeaders assembles the outbound header set for one upstream call.
func BuildHeaders(token string, stream bool, model string, thinking bool) (http.Header, error) {
	metadata, err := json.Marshal(fixedClientMetadata)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("User-Agent", UserAgent)
	h.Set("X-Goog-Api-Client", APIClient)
	h.Set("Client-Metadata", string(metadata))
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	}
	if thinking && thinkingClaudeModels[model] {
		h.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}
	return h, nil
}

// BuildPayload translates a canonical request into the upstream envelope
// JSON body, ready to POST.
func BuildPayload(req *codec.Request, project, requestID string, sigs *codec.SignatureCache, maxOutputTokensCap int) ([]byte, string, error) {
	gr, sessionID := codec.ToGoogleRequest(req, sigs, maxOutputTokensCap)
	envelope := codec.BuildEnvelope(gr, project, req.Model, UserAgent, requestID)
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", err
	}
	return body, sessionID, nil
}
