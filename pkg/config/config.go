// Package config loads runtime configuration from the environment with an
// optional YAML profile overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string

	ConsumerMode  string
	ConsumerGroup string

	SignerBackend     string
	KMSKeyID          string
	SignerProxyURL    string
	SignerProxyAPIKey string
	RequireKMS        bool
	DevSkipMTLS       bool

	OTLPEndpoint string

	CanaryWindow       int
	CanaryThreshold    float64
	CanaryCooldown     time.Duration
	AuditRetryAttempts int

	AllocatorURL string
	ProfilePath  string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() *Config {
	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		Env:                getenv("ENV", "development"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		ConsumerMode:       getenv("CONSUMER_MODE", "poll"),
		ConsumerGroup:      getenv("CONSUMER_GROUP", "trustplane-consumers"),
		SignerBackend:      getenv("SIGNER_BACKEND", "local"),
		KMSKeyID:           os.Getenv("KMS_KEY_ID"),
		SignerProxyURL:     os.Getenv("SIGNER_PROXY_URL"),
		SignerProxyAPIKey:  os.Getenv("SIGNER_PROXY_API_KEY"),
		RequireKMS:         os.Getenv("REQUIRE_KMS") == "true",
		DevSkipMTLS:        os.Getenv("DEV_SKIP_MTLS") == "true",
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		CanaryWindow:       getenvInt("CANARY_WINDOW", 50),
		CanaryThreshold:    getenvFloat("CANARY_THRESHOLD", 0.3),
		CanaryCooldown:     getenvDuration("CANARY_COOLDOWN", 10*time.Minute),
		AuditRetryAttempts: getenvInt("AUDIT_RETRY_ATTEMPTS", 3),
		AllocatorURL:       os.Getenv("ALLOCATOR_URL"),
		ProfilePath:        os.Getenv("PROFILE_PATH"),
	}
	return cfg
}

// Production reports whether this process runs with production guarantees.
func (c *Config) Production() bool { return c.Env == "production" }

// Validate enforces the startup guards. Production refuses the shortcuts
// that make local development convenient.
func (c *Config) Validate() error {
	switch c.ConsumerMode {
	case "bus", "poll":
	default:
		return fmt.Errorf("config: CONSUMER_MODE must be bus or poll, got %q", c.ConsumerMode)
	}
	if c.ConsumerMode == "bus" && c.RedisAddr == "" {
		return errors.New("config: CONSUMER_MODE=bus requires REDIS_ADDR")
	}

	switch c.SignerBackend {
	case "kms", "proxy", "local":
	default:
		return fmt.Errorf("config: SIGNER_BACKEND must be kms, proxy or local, got %q", c.SignerBackend)
	}

	if c.CanaryWindow <= 0 {
		return errors.New("config: CANARY_WINDOW must be positive")
	}
	if c.CanaryThreshold <= 0 || c.CanaryThreshold > 1 {
		return errors.New("config: CANARY_THRESHOLD must be in (0,1]")
	}

	if !c.Production() {
		return nil
	}

	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL required in production")
	}
	if c.DevSkipMTLS {
		return errors.New("config: DEV_SKIP_MTLS not permitted in production")
	}
	switch c.SignerBackend {
	case "local":
		return errors.New("config: local signer not permitted in production")
	case "kms":
		if c.KMSKeyID == "" {
			return errors.New("config: KMS_KEY_ID required in production")
		}
	case "proxy":
		if c.SignerProxyURL == "" {
			return errors.New("config: SIGNER_PROXY_URL required in production")
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
