// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

// Package middleware provides the HTTP middleware chain for the Verisite API server.
//
// # Architecture
//
// Middleware intercepts incoming HTTP requests to apply global policies
// before they reach the domain handlers. This includes cross-cutting concerns
// like Logging, AuthZ/AuthN, Rate Limiting, and CORS.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/apperr"
	"github.com/verisite/portal/internal/platform/ctxkey"
	"github.com/verisite/portal/internal/platform/respond"
	"github.com/verisite/portal/internal/platform/sec"
)

// TokenVerifier defines the interface needed to verify tokens in middleware.
//
// # Why an interface?
//
// Defining TokenVerifier here decouples the middleware from the token service
// implementation, allowing us to easily inject mocks during unit testing.
type TokenVerifier interface {
	VerifyToken(tokenStr string) (*sec.AuthClaims, error)
}

// Authenticate extracts and verifies the JWT from the Authorization header.
//
// # Flow
//  1. Check for 'Authorization: Bearer <token>' header.
//  2. If absent, request proceeds as anonymous.
//  3. If present, parse and verify the JWT via [TokenVerifier].
//  4. Inject [*sec.AuthClaims] into the request context for downstream use.
//
// # Parameters
//   - verifier: The TokenVerifier instance.
//
// # Returns
//   - An [http.Handler] middleware.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			authHeader := request.Header.Get("Authorization")

			// ── 1. Anonymous Access ───────────────────────────────────────────
			if authHeader == "" {
				next.ServeHTTP(writer, request)
				return
			}

			// ── 2. Format Validation ──────────────────────────────────────────
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				respond.Error(writer, request, apperr.Unauthorized("Invalid authorization format"))
				return
			}

			// ── 3. Token Verification ─────────────────────────────────────────
			tokenStr := parts[1]
			claims, err := verifier.VerifyToken(tokenStr)
			if err != nil {
				respond.Error(writer, request, apperr.Unauthorized("Invalid or expired token"))
				return
			}

			// ── 4. Context Injection ──────────────────────────────────────────
			ctx := context.WithValue(request.Context(), ctxkey.KeyUser, claims)
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// RequireAuth blocks requests that are not authenticated.
//
// # Usage
//
// Must be registered in the router AFTER [Authenticate].
//
// # Flow
//  1. Check if [*sec.AuthClaims] exists in context.
//  2. If missing, abort with HTTP 401 Unauthorized.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		claims := GetUser(request.Context())
		if claims == nil {
			respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
			return
		}
		next.ServeHTTP(writer, request)
	})
}

// RequireRole blocks requests whose ACTIVE role is not one of the given roles.
//
// Roles are flat: there is no hierarchy and no implication between them, so
// membership is checked exactly. A user who holds an accepted role but is
// currently acting under a different one is refused; they must re-issue their
// session with the right requested role.
//
// # Usage
//
// Must be registered in the router AFTER [Authenticate]. It automatically
// implies [RequireAuth] so you don't need to mount both.
func RequireRole(roles ...access.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			claims := GetUser(request.Context())

			// ── 1. Authentication Check ───────────────────────────────────────
			if claims == nil {
				respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
				return
			}

			// ── 2. Authorization Check ────────────────────────────────────────
			for _, role := range roles {
				if claims.ActiveRole == string(role) {
					next.ServeHTTP(writer, request)
					return
				}
			}
			respond.Error(writer, request, apperr.Forbidden("Insufficient permissions"))
		})
	}
}

// GetUser retrieves the [*sec.AuthClaims] from the [context.Context].
//
// # Returns
//   - A pointer to [*sec.AuthClaims] if the user is authenticated.
//   - nil if the user is anonymous.
func GetUser(ctx context.Context) *sec.AuthClaims {
	claims, ok := ctx.Value(ctxkey.KeyUser).(*sec.AuthClaims)
	if !ok {
		return nil
	}
	return claims
}

/*
ScopeFrom rebuilds the caller's access context from their verified claims.

Description: The returned [access.Context] is what every database-touching
operation runs under; it carries the active role and the full held-role set
into the transaction-local session variables. Claims that fail the access
invariants (unknown role names, active role outside the held set) are
rejected here rather than deep inside a repository.

Returns:
  - access.Context: Authenticated-tier scope for the caller.
  - error: 401 [apperr.Unauthorized] for anonymous or malformed claims.
*/
func ScopeFrom(ctx context.Context) (access.Context, error) {
	claims := GetUser(ctx)
	if claims == nil {
		return access.Context{}, apperr.Unauthorized("Authentication required")
	}

	activeRole, err := access.ParseRole(claims.ActiveRole)
	if err != nil {
		return access.Context{}, apperr.Unauthorized("Invalid role claim")
	}

	allowedRoles := make([]access.Role, 0, len(claims.Roles))
	for _, name := range claims.Roles {
		role, parseErr := access.ParseRole(name)
		if parseErr != nil {
			return access.Context{}, apperr.Unauthorized("Invalid role claim")
		}
		allowedRoles = append(allowedRoles, role)
	}

	return access.NewUserContext(claims.UserID, activeRole, allowedRoles)
}
