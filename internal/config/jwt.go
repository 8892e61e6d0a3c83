package config

import (
	"fmt"
	"os"
	"time"
)

const (
	minJWTSecretLen  = 16
	defaultJWTTTL    = 24 * time.Hour
	defaultJWTLeeway = 30 * time.Second
)

// JWTConfig configures the bearer tokens of the REST API.
type JWTConfig struct {
	Secret string
	Issuer string
	// TTL is how long an issued token stays valid.
	TTL time.Duration
	// Leeway is the clock skew tolerated when checking exp and nbf.
	Leeway time.Duration
}

// NewJWTConfig reads JWT_SECRET (required), JWT_ISSUER, JWT_TTL and JWT_LEEWAY.
// Durations use time.ParseDuration syntax, e.g. "24h" or "90m".
func NewJWTConfig() (*JWTConfig, error) {
	cfg := &JWTConfig{
		Secret: os.Getenv("JWT_SECRET"),
		Issuer: envOr("JWT_ISSUER", "ontology-robot"),
	}

	var err error
	if cfg.TTL, err = envDuration("JWT_TTL", defaultJWTTTL); err != nil {
		return nil, err
	}
	if cfg.Leeway, err = envDuration("JWT_LEEWAY", defaultJWTLeeway); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c *JWTConfig) Validate() error {
	switch {
	case c.Secret == "":
		return fmt.Errorf("JWT_SECRET is required but not set")
	case len(c.Secret) < minJWTSecretLen:
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	case c.TTL < time.Minute:
		return fmt.Errorf("JWT_TTL must be at least 1m, got %s", c.TTL)
	case c.Leeway < 0:
		return fmt.Errorf("JWT_LEEWAY must not be negative, got %s", c.Leeway)
	}
	return nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
