package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s
  client_token: ${TEST_CLIENT_TOKEN}

pool:
  accounts_path: /tmp/accounts.json
  max_accounts: 3
  fallback_enabled: false
  default_cooldown_ms: 5000
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_CLIENT_TOKEN", "my-secret-token")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "my-secret-token", cfg.Server.ClientToken)

	assert.Equal(t, "/tmp/accounts.json", cfg.Pool.AccountsPath)
	assert.Equal(t, 3, cfg.Pool.MaxAccounts)
	assert.False(t, cfg.Pool.FallbackEnabled)
	assert.Equal(t, int64(5000), cfg.Pool.DefaultCooldownMs)

	// Untouched fields fall back to their documented defaults.
	assert.Equal(t, 5, cfg.Pool.MaxRetries)
	assert.Equal(t, 16384, cfg.Pool.GeminiMaxOutputTokens)
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// This should override server.port from 8080 to 3000.
	t.Setenv("ANTIPROXY_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Pool.MaxAccounts)
	assert.True(t, cfg.Pool.FallbackEnabled)
}
