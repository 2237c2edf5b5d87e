package cloudcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiproxy/antiproxy/internal/account"
)

func newTestAccount(email string) *account.Account {
	return &account.Account{Email: email, RefreshToken: "rt", ClientID: "id", ClientSecret: "secret"}
}

func TestTokenCacheRefreshesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	}))
	defer srv.Close()

	cache := NewTokenCache(srv.URL, srv.Client())
	acct := newTestAccount("a@example.com")

	tok, err := cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok2, err := cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok2)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestTokenCacheInvalidateForcesRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	cache := NewTokenCache(srv.URL, srv.Client())
	acct := newTestAccount("a@example.com")

	_, err := cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	cache.Invalidate(acct.Email)
	_, err = cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenCacheExpiryTriggersRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		// expires_in is within the 60s safety margin, so the very next
		// lookup must refresh again.
		w.Write([]byte(`{"access_token":"tok","expires_in":30}`))
	}))
	defer srv.Close()

	cache := NewTokenCache(srv.URL, srv.Client())
	acct := newTestAccount("a@example.com")

	_, err := cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)
	_, err = cache.TokenFor(context.Background(), acct)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	_ = time.Second
}

func TestProjectCacheDiscoversAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cloudaicompanionProject":"proj-123"}`))
	}))
	defer srv.Close()

	cache := NewProjectCache(srv.URL, srv.Client())

	project, err := cache.ProjectFor(context.Background(), "a@example.com", "tok")
	require.NoError(t, err)
	assert.Equal(t, "proj-123", project)

	project2, err := cache.ProjectFor(context.Background(), "a@example.com", "tok")
	require.NoError(t, err)
	assert.Equal(t, "proj-123", project2)
	assert.Equal(t, 1, calls)
}

func TestProjectCacheInvalidate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cloudaicompanionProject":"proj-123"}`))
	}))
	defer srv.Close()

	cache := NewProjectCache(srv.URL, srv.Client())
	_, err := cache.ProjectFor(context.Background(), "a@example.com", "tok")
	require.NoError(t, err)

	cache.Invalidate("a@example.com")
	_, err = cache.ProjectFor(context.Background(), "a@example.com", "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBuildHeadersIncludesThinkingBetaForClaude(t *testing.T) {
	h, err := BuildHeaders("tok", true, "claude-opus-4-5", true)
	require.NoError(t, err)
	assert.Equal(t, "interleaved-thinking-2025-05-14", h.Get("anthropic-beta"))
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
}

func TestBuildHeadersOmitsThinkingBetaForGemini(t *testing.T) {
	h, err := BuildHeaders("tok", false, "gemini-2.5-pro", true)
	require.NoError(t, err)
	assert.Empty(t, h.Get("anthropic-beta"))
}

func TestBuildRequestIDIsUniquePerCall(t *testing.T) {
	a := BuildRequestID()
	b := BuildRequestID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "agent-")
}
