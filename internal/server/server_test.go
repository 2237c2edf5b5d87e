package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiproxy/antiproxy/internal/account"
	"github.com/antiproxy/antiproxy/internal/cloudcode"
	"github.com/antiproxy/antiproxy/internal/codec"
	"github.com/antiproxy/antiproxy/internal/config"
	"github.com/antiproxy/antiproxy/internal/dispatch"
)

func newCredentialServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/discover", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cloudaicompanionProject":"proj-1"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, upstreamURL, clientToken string) *Server {
	t.Helper()
	creds := newCredentialServer(t)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt", ClientID: "id", ClientSecret: "secret"}
	pool := account.NewPool([]*account.Account{acct}, 0)

	engine := &dispatch.Engine{
		Pool:     pool,
		Tokens:   cloudcode.NewTokenCache(creds.URL+"/oauth", httpClient),
		Projects: cloudcode.NewProjectCache(creds.URL+"/discover", httpClient),
		HTTP:     cloudcode.NewClient(httpClient),
		Sigs:     codec.NewSignatureCache(2 * time.Hour),
		Endpoints: cloudcode.Endpoints{
			Daily: upstreamURL,
			Prod:  upstreamURL,
		},
		Opts: dispatch.Options{
			MaxRetries:              3,
			MaxWaitBeforeErrorMs:     120_000,
			DefaultCooldownMs:        30_000,
			GeminiMaxOutputTokensCap: 16384,
		},
	}

	cfg := &config.Config{Server: config.ServerConfig{ClientToken: clientToken}}
	return New(cfg, engine, pool, nil)
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	srv := newTestServer(t, "http://unused", "secret-token")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMessagesRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, "http://unused", "secret-token")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMessagesOneShotSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}]}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "secret-token")

	body := `{"model":"gemini-2.5-flash","max_tokens":256,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hi there")
	assert.Contains(t, w.Body.String(), `"type":"message"`)
}

func TestMessagesRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, "http://unused", "secret-token")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelsListsSupportedModels(t *testing.T) {
	srv := newTestServer(t, "http://unused", "")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gemini-2.5-pro")
}

func TestAccountsReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t, "http://unused", "")
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a@example.com")
}
