// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the antiproxy gateway.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Pool     PoolConfig     `koanf:"pool"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Redis    RedisConfig    `koanf:"redis"`
}

// RedisConfig configures the optional cross-instance rate-limit mirror
// (SPEC_FULL.md §2 item 11). Addr left empty disables the mirror.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// ClientToken is the bearer token clients must present to the proxy.
	// Supports "${VAR}" expansion, same convention the teacher config
	// used for provider API keys.
	ClientToken string `koanf:"client_token"`
}

// PoolConfig tunes the account pool and dispatch engine. Field names and
// defaults mirror the constants named in spec.md §6.
type PoolConfig struct {
	AccountsPath           string `koanf:"accounts_path"`
	MaxAccounts            int    `koanf:"max_accounts"`
	FallbackEnabled        bool   `koanf:"fallback_enabled"`
	DefaultCooldownMs      int64  `koanf:"default_cooldown_ms"`
	MaxWaitBeforeErrorMs   int64  `koanf:"max_wait_before_error_ms"`
	MaxRetries             int    `koanf:"max_retries"`
	MaxEmptyRetries        int    `koanf:"max_empty_response_retries"`
	GeminiMaxOutputTokens  int    `koanf:"gemini_max_output_tokens"`
	ThinkingSignatureTTLMs int64  `koanf:"thinking_signature_ttl_ms"`

	// FallbackModels maps a requested model name to the cross-family
	// model substituted for the fallback hop (spec.md §4.6, Glossary
	// "fallback hop"). Keys and values may name either a Claude or a
	// Gemini model; this gateway only ever dispatches to Gemini
	// upstream, but the map records the substitution by name on both
	// sides of the hop so a Claude-named request still resolves.
	FallbackModels map[string]string `koanf:"fallback_models"`
}

// UpstreamConfig names the Cloud Code OAuth and API endpoints.
type UpstreamConfig struct {
	EndpointDaily string `koanf:"endpoint_daily"`
	EndpointProd  string `koanf:"endpoint_prod"`
	OAuthTokenURL string `koanf:"oauth_token_url"`
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
}

// applyDefaults fills any zero-valued field that Load didn't populate
// from the file or the environment. koanf's Unmarshal overwrites the
// whole struct, so defaults are applied as a post-pass instead of being
// pre-seeded into koanf itself.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Pool.AccountsPath == "" {
		c.Pool.AccountsPath = "accounts.json"
	}
	if c.Pool.MaxAccounts == 0 {
		c.Pool.MaxAccounts = 10
	}
	if c.Pool.DefaultCooldownMs == 0 {
		c.Pool.DefaultCooldownMs = 10_000
	}
	if c.Pool.MaxWaitBeforeErrorMs == 0 {
		c.Pool.MaxWaitBeforeErrorMs = 120_000
	}
	if c.Pool.MaxRetries == 0 {
		c.Pool.MaxRetries = 5
	}
	if c.Pool.MaxEmptyRetries == 0 {
		c.Pool.MaxEmptyRetries = 2
	}
	if c.Pool.GeminiMaxOutputTokens == 0 {
		c.Pool.GeminiMaxOutputTokens = 16_384
	}
	if c.Pool.ThinkingSignatureTTLMs == 0 {
		c.Pool.ThinkingSignatureTTLMs = 7_200_000
	}
	if c.Pool.FallbackModels == nil {
		c.Pool.FallbackModels = defaultFallbackModels()
	}
	if c.Upstream.EndpointDaily == "" {
		c.Upstream.EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	}
	if c.Upstream.EndpointProd == "" {
		c.Upstream.EndpointProd = "https://cloudcode-pa.googleapis.com"
	}
	if c.Upstream.OAuthTokenURL == "" {
		c.Upstream.OAuthTokenURL = "https://oauth2.googleapis.com/token"
	}
}

// defaultFallbackModels returns the built-in cross-family substitution
// table for the fallback hop: a Claude-named request falls back to the
// Gemini model this gateway actually dispatches, and a gemini-2.5-pro <->
// gemini-2.5-flash pair gives an already-Gemini-named request the other
// Gemini model as its fallback.
func defaultFallbackModels() map[string]string {
	return map[string]string{
		"claude-opus-4":      "gemini-2.5-pro",
		"claude-sonnet-4":    "gemini-2.5-pro",
		"claude-3-5-sonnet":  "gemini-2.5-flash",
		"claude-3-5-haiku":   "gemini-2.5-flash",
		"gemini-2.5-pro":     "gemini-2.5-flash",
		"gemini-2.5-flash":   "gemini-2.5-pro",
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config. A missing file
// is tolerated — defaults plus env overrides are enough to run.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer environment variables on top. Env vars starting with
	// "ANTIPROXY_" override config values. The callback transforms
	// the env var name into a koanf key path:
	//   ANTIPROXY_SERVER_PORT -> server.port
	// Every underscore becomes a dot, so keys whose names contain an
	// underscore (e.g. pool.max_accounts) cannot be set this way.
	if err := k.Load(env.Provider("ANTIPROXY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "ANTIPROXY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults()

	cfg.Server.ClientToken = expandEnv(cfg.Server.ClientToken)
	cfg.Upstream.ClientID = expandEnv(cfg.Upstream.ClientID)
	cfg.Upstream.ClientSecret = expandEnv(cfg.Upstream.ClientSecret)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	return &cfg, nil
}

// expandEnv resolves a single "${VAR_NAME}" placeholder, the same
// convention the teacher config used for provider API keys.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
