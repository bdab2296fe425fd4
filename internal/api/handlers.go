// Package api exposes the Consumer API of the principal analytics engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/principalanalytics/internal/auth"
	"example.com/principalanalytics/internal/domain"
	"example.com/principalanalytics/internal/persistence"
	"example.com/principalanalytics/internal/refresh"
)

// StatsProvider reports scheduler queue depth.
type StatsProvider interface {
	Stats() refresh.Stats
}

// Limiter gates manual refreshes per caller.
type Limiter interface {
	Allow(key string) bool
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	stats   StatsProvider
	limiter Limiter
}

// HandlerOption customises the Handler.
type HandlerOption func(*Handler)

// WithStats exposes scheduler stats on /v1/refresh/status.
func WithStats(stats StatsProvider) HandlerOption {
	return func(h *Handler) { h.stats = stats }
}

// WithRefreshLimiter rate limits POST /v1/principals/{id}/refresh by token subject.
func WithRefreshLimiter(limiter Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = limiter }
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...HandlerOption) *Handler {
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/principals/{id}/summary", h.summary)
	mux.HandleFunc("GET /v1/principals/{id}/timeline", h.timeline)
	mux.HandleFunc("GET /v1/principals/{id}/products", h.products)
	mux.HandleFunc("GET /v1/principals/{id}/distributors", h.distributors)
	mux.HandleFunc("POST /v1/principals/{id}/refresh", h.refresh)
	mux.HandleFunc("GET /v1/dashboard/kpis", h.dashboardKPIs)
	mux.HandleFunc("GET /v1/refresh/status", h.refreshStatus)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}

	var (
		snap *domain.Snapshot
		err  error
	)
	switch version := r.URL.Query().Get("version"); version {
	case "", "current":
		snap, err = h.service.GetSummary(r.Context(), r.PathValue("id"))
	case "previous":
		snap, err = h.service.GetPreviousSummary(r.Context(), r.PathValue("id"))
	default:
		writeError(w, http.StatusBadRequest, "validation_failed", "version must be current or previous")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryResponse{
		PrincipalID:       snap.PrincipalID,
		Version:           snap.Version,
		BuiltAt:           snap.BuiltAt,
		DroppedReferences: snap.DroppedReferences,
		Summary:           snap.Summary,
	})
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}

	query, err := parseTimelineQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	page, err := h.service.GetTimeline(r.Context(), r.PathValue("id"), query)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TimelineResponse{
		PrincipalID: page.PrincipalID,
		Version:     page.Version,
		Items:       page.Events,
		NextCursor:  persistence.EncodeCursor(page.NextCursor),
	})
}

func (h *Handler) products(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}

	id := r.PathValue("id")
	items, err := h.service.GetProductPerformance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []domain.ProductPerformance{}
	}
	writeJSON(w, http.StatusOK, ProductsResponse{PrincipalID: id, Items: items})
}

func (h *Handler) distributors(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}

	id := r.PathValue("id")
	items, err := h.service.GetDistributorRelationships(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []domain.DistributorRelationship{}
	}
	writeJSON(w, http.StatusOK, DistributorsResponse{PrincipalID: id, Items: items})
}

func (h *Handler) dashboardKPIs(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}

	filter, err := parseKPIFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	kpis, err := h.service.GetDashboardKPIs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := KPIResponse{
		TotalPrincipals:     kpis.TotalPrincipals,
		ActivePrincipals:    kpis.ActivePrincipals,
		AverageEngagement:   kpis.AverageEngagement,
		TotalOpportunities:  kpis.TotalOpportunities,
		ActiveOpportunities: kpis.ActiveOpportunities,
		WonOpportunities:    kpis.WonOpportunities,
		TotalInteractions:   kpis.TotalInteractions,
		TopPrincipals:       make([]RankView, 0, len(kpis.TopPrincipals)),
		GeneratedAt:         kpis.GeneratedAt,
	}
	for _, rank := range kpis.TopPrincipals {
		resp.TopPrincipals = append(resp.TopPrincipals, RankView{
			PrincipalID:     rank.PrincipalID,
			PrincipalName:   rank.PrincipalName,
			EngagementScore: rank.EngagementScore,
			Version:         rank.Version,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRefresh) {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(auth.Subject(r.Context())) {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many manual refreshes")
		return
	}

	id := r.PathValue("id")
	if err := h.service.TriggerManualRefresh(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	resp := RefreshResponse{PrincipalID: id, Status: "committed"}
	snap, err := h.service.GetSummary(r.Context(), id)
	switch {
	case err == nil:
		resp.Version = snap.Version
	case errors.Is(err, domain.ErrNotFound):
		resp.Status = "retired"
	default:
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) refreshStatus(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ScopePrincipalsRead) {
		return
	}
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "refresh scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func authorize(w http.ResponseWriter, r *http.Request, scope string) bool {
	authenticated, allowed := auth.RequireScope(r.Context(), scope)
	if !authenticated {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return false
	}
	return true
}

func parseTimelineQuery(r *http.Request) (domain.TimelineQuery, error) {
	values := r.URL.Query()
	var query domain.TimelineQuery

	for name, dst := range map[string]**time.Time{"from": &query.From, "to": &query.To} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, fmt.Errorf("%s must be an RFC3339 timestamp", name)
		}
		ts = ts.UTC()
		*dst = &ts
	}
	if query.From != nil && query.To != nil && query.From.After(*query.To) {
		return query, errors.New("from must not be after to")
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return query, errors.New("limit must be a positive integer")
		}
		query.Limit = limit
	}

	if raw := values.Get("event_types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			typ, err := domain.ParseEventType(part)
			if err != nil {
				return query, err
			}
			query.EventTypes = append(query.EventTypes, typ)
		}
	}

	cursor, err := persistence.DecodeCursor(values.Get("cursor"))
	if err != nil {
		return query, errors.New("invalid cursor")
	}
	query.Cursor = cursor
	return query, nil
}

func parseKPIFilter(r *http.Request) (domain.KPIFilter, error) {
	values := r.URL.Query()
	var filter domain.KPIFilter

	if raw := values.Get("active_only"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("active_only must be a boolean")
		}
		filter.ActiveOnly = active
	}
	if raw := values.Get("min_score"); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil || score < 0 || score > 100 {
			return filter, errors.New("min_score must be between 0 and 100")
		}
		filter.MinEngagement = score
	}
	if raw := values.Get("top"); raw != "" {
		top, err := strconv.Atoi(raw)
		if err != nil || top <= 0 {
			return filter, errors.New("top must be a positive integer")
		}
		filter.TopN = top
	}
	if raw := values.Get("principal_ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.PrincipalIDs = append(filter.PrincipalIDs, id)
			}
		}
	}
	return filter, nil
}

// SummaryResponse is the body of GET /v1/principals/{id}/summary.
type SummaryResponse struct {
	PrincipalID       string         `json:"principal_id"`
	Version           uint64         `json:"version"`
	BuiltAt           time.Time      `json:"built_at"`
	DroppedReferences int            `json:"dropped_references"`
	Summary           domain.Summary `json:"summary"`
}

// TimelineResponse is one page of newest-first events.
type TimelineResponse struct {
	PrincipalID string                 `json:"principal_id"`
	Version     uint64                 `json:"version"`
	Items       []domain.TimelineEvent `json:"items"`
	NextCursor  string                 `json:"next_cursor,omitempty"`
}

// ProductsResponse lists product performance records.
type ProductsResponse struct {
	PrincipalID string                      `json:"principal_id"`
	Items       []domain.ProductPerformance `json:"items"`
}

// DistributorsResponse lists distributor relationships.
type DistributorsResponse struct {
	PrincipalID string                           `json:"principal_id"`
	Items       []domain.DistributorRelationship `json:"items"`
}

// RankView is one leaderboard entry.
type RankView struct {
	PrincipalID     string  `json:"principal_id"`
	PrincipalName   string  `json:"principal_name"`
	EngagementScore float64 `json:"engagement_score"`
	Version         uint64  `json:"version"`
}

// KPIResponse is the body of GET /v1/dashboard/kpis.
type KPIResponse struct {
	TotalPrincipals     int        `json:"total_principals"`
	ActivePrincipals    int        `json:"active_principals"`
	AverageEngagement   float64    `json:"average_engagement"`
	TotalOpportunities  int        `json:"total_opportunities"`
	ActiveOpportunities int        `json:"active_opportunities"`
	WonOpportunities    int        `json:"won_opportunities"`
	TotalInteractions   int        `json:"total_interactions"`
	TopPrincipals       []RankView `json:"top_principals"`
	GeneratedAt         time.Time  `json:"generated_at"`
}

// RefreshResponse reports the outcome of a manual refresh.
type RefreshResponse struct {
	PrincipalID string `json:"principal_id"`
	Status      string `json:"status"`
	Version     uint64 `json:"version,omitempty"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingIdentifier):
		writeError(w, http.StatusBadRequest, "validation_failed", "missing principal id")
	case errors.Is(err, domain.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "principal snapshot not found")
	case errors.Is(err, domain.ErrConflictingRoles):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrBuildTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "build_timeout", err.Error())
	case errors.Is(err, domain.ErrSourceUnavailable), errors.Is(err, refresh.ErrClosed), errors.Is(err, refresh.ErrLeaseHeld):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
