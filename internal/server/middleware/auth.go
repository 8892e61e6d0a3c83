// Package middleware provides HTTP middleware for authentication and authorization.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// scopeKey is the context key for storing the authenticated caller's scope.
const scopeKey ContextKey = "scope"

// TokenValidator is an interface for validating JWT tokens.
// This allows the middleware to work with any JWT service implementation.
type TokenValidator interface {
	ValidateToken(tokenString string) (Scope, error)
}

// Scope describes what an authenticated caller may touch.
type Scope interface {
	GetSubject() string
	AllowsProject(projectID string) bool
}

// AuthMiddleware creates middleware that validates bearer tokens and adds the
// caller's scope to the request context.
func AuthMiddleware(jwtService TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Handle case-insensitive "Bearer" prefix
			parts := strings.Fields(authHeader)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			scope, err := jwtService.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), scopeKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetScope extracts the authenticated caller's scope from the request context.
func GetScope(r *http.Request) (Scope, error) {
	scope, ok := r.Context().Value(scopeKey).(Scope)
	if !ok || scope == nil {
		return nil, fmt.Errorf("scope not found in request context")
	}
	return scope, nil
}

// CanAccessProject reports whether the authenticated caller may act on projectID.
// Requests that went through no authentication carry no scope and are refused.
func CanAccessProject(r *http.Request, projectID string) bool {
	scope, err := GetScope(r)
	if err != nil {
		return false
	}
	return scope.AllowsProject(projectID)
}

// ScopeKey returns the context key for the scope (for testing purposes).
func ScopeKey() ContextKey {
	return scopeKey
}
