// Package cloudcode implements the client side of the upstream Cloud Code
// backend: OAuth token refresh, project-id discovery, and the request
// builder that assembles the upstream envelope and header set (spec.md
// §4.3, §4.4).
package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antiproxy/antiproxy/internal/account"
)

// tokenEntry is a cached access token for one account.
type tokenEntry struct {
	accessToken string
	expiry      time.Time
}

// TokenCache memoizes an OAuth access token per account, refreshing on
// expiry (with a 60-second safety margin) or on explicit invalidation
// after a 401 (spec.md §4.3).
type TokenCache struct {
	mu           sync.Mutex
	entries      map[string]tokenEntry
	oauthURL     string
	client       *http.Client
}

// NewTokenCache constructs an empty cache. oauthURL is the refresh-token
// grant endpoint; client is the shared HTTP client used for refresh calls.
func NewTokenCache(oauthURL string, client *http.Client) *TokenCache {
	return &TokenCache{
		entries:  make(map[string]tokenEntry),
		oauthURL: oauthURL,
		client:   client,
	}
}

// TokenFor returns a usable access token for acct, refreshing it if the
// cached value is missing or expires within 60 seconds.
func (c *TokenCache) TokenFor(ctx context.Context, acct *account.Account) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[acct.Email]
	c.mu.Unlock()

	if ok && time.Now().Add(60*time.Second).Before(entry.expiry) {
		return entry.accessToken, nil
	}
	return c.refresh(ctx, acct)
}

// Invalidate clears the cached token for an account, forcing the next
// TokenFor call to refresh. Called on a 401 from upstream.
func (c *TokenCache) Invalidate(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, email)
}

func (c *TokenCache) refresh(ctx context.Context, acct *account.Account) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acct.RefreshToken)
	form.Set("client_id", acct.ClientID)
	form.Set("client_secret", acct.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token refresh failed (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	c.mu.Lock()
	c.entries[acct.Email] = tokenEntry{
		accessToken: payload.AccessToken,
		expiry:      time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	c.mu.Unlock()

	return payload.AccessToken, nil
}
