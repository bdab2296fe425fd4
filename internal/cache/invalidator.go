// Package cache notifies downstream dashboard caches that a principal's snapshot changed.
package cache

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Invalidator defines a cache invalidation contract.
type Invalidator interface {
	Invalidate(ctx context.Context, principalID string) error
}

// NoopInvalidator is a no-op implementation.
type NoopInvalidator struct{}

// Invalidate performs no action.
func (NoopInvalidator) Invalidate(context.Context, string) error { return nil }

// HTTPInvalidator calls an upstream edge cache invalidation endpoint.
type HTTPInvalidator struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPInvalidator constructs an HTTPInvalidator.
func NewHTTPInvalidator(endpoint, token string, timeout time.Duration) *HTTPInvalidator {
	return &HTTPInvalidator{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

// Invalidate POSTs the principal identifier so cached dashboard tiles for it are purged.
func (h *HTTPInvalidator) Invalidate(ctx context.Context, principalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/principals/"+principalID, strings.NewReader(principalID))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &InvalidationError{Status: resp.StatusCode, PrincipalID: principalID}
	}
	return nil
}

// InvalidationError represents a non-successful invalidation response.
type InvalidationError struct {
	Status      int
	PrincipalID string
}

func (e *InvalidationError) Error() string {
	return "cache invalidation for principal " + e.PrincipalID + " failed with status " + http.StatusText(e.Status)
}
