package server

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonathan/ontology-robot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJWTService(_ *testing.T, ttl time.Duration) *JWTService {
	cfg := &config.JWTConfig{
		Secret: "test-secret-key-for-jwt-signing-minimum-32-bytes",
		Issuer: "ontology-robot",
		TTL:    ttl,
	}
	return NewJWTService(cfg)
}

func TestJWTService_GenerateToken(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)

	token, err := service.GenerateToken("ci-bot", []string{"pizza"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Test token format is valid JWT (three parts separated by dots)
	parts := strings.Split(token, ".")
	assert.Equal(t, 3, len(parts), "JWT should have 3 parts separated by dots")
}

func TestJWTService_GenerateToken_RequiresSubjectAndProjects(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)

	_, err := service.GenerateToken("", []string{"pizza"})
	assert.Error(t, err)

	_, err = service.GenerateToken("ci-bot", nil)
	assert.Error(t, err)
}

func TestJWTService_ValidateToken_Success(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)

	token, err := service.GenerateToken("ci-bot", []string{"pizza", "wine"})
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "ci-bot", claims.GetSubject())
	assert.Equal(t, []string{"pizza", "wine"}, claims.Projects)
	assert.Equal(t, "ontology-robot", claims.Issuer)
	assert.NotNil(t, claims.ExpiresAt)
	assert.NotNil(t, claims.IssuedAt)
}

func TestClaims_AllowsProject(t *testing.T) {
	scoped := &Claims{Projects: []string{"pizza"}}
	assert.True(t, scoped.AllowsProject("pizza"))
	assert.False(t, scoped.AllowsProject("wine"))

	all := &Claims{Projects: []string{AllProjects}}
	assert.True(t, all.AllowsProject("wine"))

	none := &Claims{}
	assert.False(t, none.AllowsProject("pizza"))
}

func TestJWTService_ValidateToken_InvalidSignature(t *testing.T) {
	service1 := setupTestJWTService(t, 24*time.Hour)
	service2 := setupTestJWTService(t, 24*time.Hour)
	service2.config.Secret = "different-secret-key-for-jwt-signing-minimum-32-bytes"

	token, err := service1.GenerateToken("ci-bot", []string{"pizza"})
	require.NoError(t, err)

	claims, err := service2.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "signature")
}

func TestJWTService_ValidateToken_WrongIssuer(t *testing.T) {
	service1 := setupTestJWTService(t, 24*time.Hour)
	service2 := setupTestJWTService(t, 24*time.Hour)
	service2.config.Issuer = "someone-else"

	token, err := service1.GenerateToken("ci-bot", []string{"pizza"})
	require.NoError(t, err)

	_, err = service2.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_ValidateToken_MalformedToken(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "invalid format - one part", token: "invalid"},
		{name: "invalid format - two parts", token: "invalid.token"},
		{name: "invalid format - four parts", token: "invalid.token.format.extra"},
		{name: "invalid base64", token: "invalid.base64.signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)
			assert.Error(t, err)
			assert.Nil(t, claims)
		})
	}
}

func TestJWTService_TokenExpired(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)

	past := time.Now().Add(-2 * time.Hour)
	claims := &Claims{
		Projects: []string{"pizza"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			Issuer:    "ontology-robot",
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(past),
			NotBefore: jwt.NewNumericDate(past),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(service.config.Secret))
	require.NoError(t, err)

	expired, err := service.ValidateToken(tokenString)
	assert.Error(t, err)
	assert.Nil(t, expired)
	assert.Contains(t, err.Error(), "expired")
}

func TestJWTService_LeewayAcceptsClockSkew(t *testing.T) {
	service := setupTestJWTService(t, 24*time.Hour)
	service.config.Leeway = time.Minute

	justExpired := &Claims{
		Projects: []string{"pizza"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			Issuer:    "ontology-robot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, justExpired).SignedString([]byte(service.config.Secret))
	require.NoError(t, err)

	_, err = service.ValidateToken(tokenString)
	require.NoError(t, err)

	service.config.Leeway = 0
	_, err = service.ValidateToken(tokenString)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTService_AsTokenValidator(t *testing.T) {
	service := setupTestJWTService(t, time.Hour)
	token, err := service.GenerateToken("ci-bot", []string{"pizza"})
	require.NoError(t, err)

	scope, err := service.AsTokenValidator().ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", scope.GetSubject())
	assert.True(t, scope.AllowsProject("pizza"))

	scope, err = service.AsTokenValidator().ValidateToken("nope")
	assert.Error(t, err)
	assert.Nil(t, scope)
}
