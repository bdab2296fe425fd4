package auth

import (
	"net/http"

	authlib "example.com/principalanalytics/platform/auth"
)

// Middleware enforces bearer-token authentication on the Consumer API. Health and metrics
// endpoints stay open for health checks and scrapers.
type Middleware struct {
	inner authlib.Middleware
}

// NewMiddleware constructs Middleware with validation config.
func NewMiddleware(cfg Config) Middleware {
	return Middleware{inner: authlib.NewMiddleware(authlib.Config(cfg), authlib.PathSkipper("/healthz", "/metrics"))}
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return m.inner.Wrap(next)
}
