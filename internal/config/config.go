// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Workspaces
	UploadDir     string
	MaxUploadSize int64
	SSEKeepAlive  time.Duration

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// OIDC (optional)
	OIDCIssuerURL string
	OIDCClientID  string

	// Token revocation list (optional)
	DatabaseURL string
}

// Load reads configuration from environment variables with defaults. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9090"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		UploadDir:     envOr("UPLOAD_DIR", "uploads"),
		MaxUploadSize: envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		SSEKeepAlive:  envDuration("SSE_KEEPALIVE", 15*time.Second),
		TLSCertFile:   envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:    envOr("TLS_KEY_FILE", ""),
		JWTSecret:     envOr("JWT_SECRET", ""),
		OIDCIssuerURL: envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:  envOr("OIDC_CLIENT_ID", ""),
		DatabaseURL:   envOr("DATABASE_URL", ""),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.SSEKeepAlive <= 0 {
		return nil, fmt.Errorf("SSE_KEEPALIVE must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
