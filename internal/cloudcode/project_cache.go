package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ProjectCache memoizes the upstream project id discovered for an
// account (spec.md §4.3). Discovery hits a loadCodeAssist-style
// onboarding endpoint the first time an account is used; the result never
// changes for the lifetime of the account, so the cache has no TTL.
type ProjectCache struct {
	mu            sync.Mutex
	projects      map[string]string
	discoveryURL  string
	client        *http.Client
}

// NewProjectCache constructs an empty cache. discoveryURL is the upstream
// endpoint queried to resolve an account's project id.
func NewProjectCache(discoveryURL string, client *http.Client) *ProjectCache {
	return &ProjectCache{
		projects:     make(map[string]string),
		discoveryURL: discoveryURL,
		client:       client,
	}
}

// ProjectFor returns the cached project id for email, discovering it via
// an upstream call authenticated with token if it isn't cached yet.
func (c *ProjectCache) ProjectFor(ctx context.Context, email, token string) (string, error) {
	c.mu.Lock()
	project, ok := c.projects[email]
	c.mu.Unlock()
	if ok {
		return project, nil
	}
	return c.discover(ctx, email, token)
}

// Invalidate clears the cached project id for an account, forcing the
// next ProjectFor call to rediscover it. Called alongside token
// invalidation on a 401.
func (c *ProjectCache) Invalidate(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.projects, email)
}

func (c *ProjectCache) discover(ctx context.Context, email, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("building project discovery request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovering project: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("project discovery failed (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding project discovery response: %w", err)
	}
	if payload.CloudaicompanionProject == "" {
		return "", fmt.Errorf("project discovery returned no project id for %s", email)
	}

	c.mu.Lock()
	c.projects[email] = payload.CloudaicompanionProject
	c.mu.Unlock()

	return payload.CloudaicompanionProject, nil
}
