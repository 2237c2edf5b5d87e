package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// Endpoints is the ordered list of upstream hosts tried for each attempt:
// a daily pre-prod host, then production (spec.md §6).
type Endpoints struct {
	Daily string
	Prod  string
}

// Ordered returns the endpoint list in try order.
func (e Endpoints) Ordered() []string {
	return []string{e.Daily, e.Prod}
}

// Client issues the upstream generateContent / streamGenerateContent
// calls. It holds no per-request state; TokenCache/ProjectCache own the
// cached credentials it's handed.
type Client struct {
	HTTP *http.Client
}

// NewClient wraps an *http.Client for upstream calls.
func NewClient(httpClient *http.Client) *Client {
	return &Client{HTTP: httpClient}
}

// Do issues one POST to endpoint+path with the given headers and body,
// returning the raw *http.Response for the caller to branch on status
// code and either decode JSON (one-shot) or read SSE lines (streaming).
// The caller owns closing resp.Body.
func (c *Client) Do(ctx context.Context, endpoint, path string, headers http.Header, body []byte) (*http.Response, error) {
	url := endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header = headers.Clone()

	return c.HTTP.Do(req)
}

// GenerateContentPath and StreamGenerateContentPath are the fixed
// upstream paths named in spec.md §6. LoadCodeAssistPath is the
// onboarding endpoint ProjectCache uses to resolve an account's project
// id (spec.md §4.3).
const (
	GenerateContentPath       = "/v1internal:generateContent"
	StreamGenerateContentPath = "/v1internal:streamGenerateContent?alt=sse"
	LoadCodeAssistPath        = "/v1internal:loadCodeAssist"
)
