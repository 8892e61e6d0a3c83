package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-0123456789"

func clearJWTEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"JWT_SECRET", "JWT_ISSUER", "JWT_TTL", "JWT_LEEWAY"} {
		t.Setenv(key, "")
	}
}

func TestNewJWTConfig_DefaultValues(t *testing.T) {
	clearJWTEnv(t)
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := NewJWTConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, testSecret, cfg.Secret)
	assert.Equal(t, "ontology-robot", cfg.Issuer)
	assert.Equal(t, 24*time.Hour, cfg.TTL)
	assert.Equal(t, 30*time.Second, cfg.Leeway)
}

func TestNewJWTConfig_CustomValues(t *testing.T) {
	clearJWTEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_TTL", "168h")
	t.Setenv("JWT_LEEWAY", "0s")
	t.Setenv("JWT_ISSUER", "robots.example.org")

	cfg, err := NewJWTConfig()
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, cfg.TTL)
	assert.Zero(t, cfg.Leeway)
	assert.Equal(t, "robots.example.org", cfg.Issuer)
}

func TestNewJWTConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "secret not set", env: map[string]string{}, wantErr: "JWT_SECRET"},
		{name: "secret too short", env: map[string]string{"JWT_SECRET": "short"}, wantErr: "JWT_SECRET"},
		{name: "ttl not a duration", env: map[string]string{"JWT_SECRET": testSecret, "JWT_TTL": "24"}, wantErr: "JWT_TTL"},
		{name: "ttl too short", env: map[string]string{"JWT_SECRET": testSecret, "JWT_TTL": "30s"}, wantErr: "JWT_TTL"},
		{name: "negative ttl", env: map[string]string{"JWT_SECRET": testSecret, "JWT_TTL": "-1h"}, wantErr: "JWT_TTL"},
		{name: "negative leeway", env: map[string]string{"JWT_SECRET": testSecret, "JWT_LEEWAY": "-5s"}, wantErr: "JWT_LEEWAY"},
		{name: "leeway not a duration", env: map[string]string{"JWT_SECRET": testSecret, "JWT_LEEWAY": "soon"}, wantErr: "JWT_LEEWAY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearJWTEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := NewJWTConfig()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
