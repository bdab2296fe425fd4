package auth

import (
	"context"

	authlib "example.com/principalanalytics/platform/auth"
)

// Claims mirrors the shared auth claims type for service convenience.
type Claims = authlib.Claims

// Config mirrors the shared auth config.
type Config = authlib.Config

// WithClaims stores the claims in the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return authlib.WithClaims(ctx, claims)
}

// RequireScope reports whether ctx carries claims holding scope. The first return is false
// when no claims are present at all.
func RequireScope(ctx context.Context, scope string) (authenticated, allowed bool) {
	claims, ok := authlib.FromContext(ctx)
	if !ok {
		return false, false
	}
	return true, claims.HasScope(scope)
}

// Subject returns the caller's subject, or "" when unauthenticated.
func Subject(ctx context.Context) string {
	return authlib.Subject(ctx)
}
