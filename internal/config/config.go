// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-parsed gateway configuration. Components receive the
// sub-structs they need; nothing reads the environment after startup.
type Config struct {
	Port int
	Env  string // development | staging | production

	Session    SessionConfig
	OIDC       OIDCConfig
	Redis      RedisConfig
	Downstream DownstreamConfig
	CORS       CORSConfig
	WebSocket  WebSocketConfig
	Signing    SigningConfig

	ABACPolicyFile          string
	TokenExchangePolicyFile string
}

type SessionConfig struct {
	CookieName string
	Secret     string // HMAC base; CSRF falls back to this when CSRF_SECRET is unset
	CSRFSecret string
}

type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type RedisConfig struct {
	URL string
}

type DownstreamConfig struct {
	APIBase string
	Timeout time.Duration
	WSURL   string
	Retries int
}

type CORSConfig struct {
	// Origins is the raw CORS_ORIGINS value: "*", "false", or a CSV list.
	Origins string
}

type WebSocketConfig struct {
	MaxUserConnections   int
	MaxTenantConnections int
}

type SigningConfig struct {
	// JWTSecret signs exchanged tokens and logout tokens (HS256).
	JWTSecret string
	Issuer    string
}

// Load parses the environment into a Config and validates required keys.
func Load() (*Config, error) {
	cfg := &Config{
		Port: envInt("PORT", 8080),
		Env:  envStr("NODE_ENV", "development"),
		Session: SessionConfig{
			CookieName: envStr("SESSION_COOKIE_NAME", "keyfront.sid"),
			Secret:     os.Getenv("SESSION_SECRET"),
			CSRFSecret: os.Getenv("CSRF_SECRET"),
		},
		OIDC: OIDCConfig{
			IssuerURL:    os.Getenv("KC_ISSUER_URL"),
			ClientID:     os.Getenv("KC_CLIENT_ID"),
			ClientSecret: os.Getenv("KC_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("KC_REDIRECT_URI"),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", "redis://localhost:6379/0"),
		},
		Downstream: DownstreamConfig{
			APIBase: os.Getenv("DOWNSTREAM_API_BASE"),
			Timeout: time.Duration(envInt("DOWNSTREAM_API_TIMEOUT", 30000)) * time.Millisecond,
			WSURL:   os.Getenv("DOWNSTREAM_WS_URL"),
			Retries: envInt("DOWNSTREAM_API_RETRIES", 3),
		},
		CORS: CORSConfig{
			Origins: envStr("CORS_ORIGINS", "*"),
		},
		WebSocket: WebSocketConfig{
			MaxUserConnections:   envInt("WS_MAX_USER_CONNECTIONS", 5),
			MaxTenantConnections: envInt("WS_MAX_TENANT_CONNECTIONS", 100),
		},
		Signing: SigningConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    envStr("TOKEN_ISSUER", "keyfront"),
		},
		ABACPolicyFile:          os.Getenv("ABAC_POLICY_FILE"),
		TokenExchangePolicyFile: os.Getenv("TOKEN_EXCHANGE_POLICY_FILE"),
	}

	if cfg.CSRFSecret() == "" {
		return nil, fmt.Errorf("config: one of CSRF_SECRET or SESSION_SECRET must be set")
	}
	if cfg.OIDC.IssuerURL == "" || cfg.OIDC.ClientID == "" || cfg.OIDC.RedirectURI == "" {
		return nil, fmt.Errorf("config: KC_ISSUER_URL, KC_CLIENT_ID and KC_REDIRECT_URI are required")
	}
	if cfg.Signing.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}

// IsProduction reports whether the gateway runs with production policies
// (Secure cookies, threat blocking, strict origins).
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// CSRFSecret returns the CSRF HMAC secret, falling back to SESSION_SECRET.
func (c *Config) CSRFSecret() string {
	if c.Session.CSRFSecret != "" {
		return c.Session.CSRFSecret
	}
	return c.Session.Secret
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
