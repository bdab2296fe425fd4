package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/principalanalytics/internal/auth"
	"example.com/principalanalytics/internal/domain"
	"example.com/principalanalytics/internal/refresh"
	"example.com/principalanalytics/internal/snapshot"
)

var handlerNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type stubRefresher struct {
	store *snapshot.MemoryStore
	err   error
	calls int
}

func (s *stubRefresher) RefreshNow(ctx context.Context, principalID string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	latest, err := s.store.LatestVersion(ctx, principalID)
	if err != nil {
		return err
	}
	snap := testSnapshot(principalID, 3)
	snap.Version = latest + 1
	return s.store.Commit(ctx, *snap)
}

type stubStats struct{ stats refresh.Stats }

func (s stubStats) Stats() refresh.Stats { return s.stats }

type denyAfter struct {
	allowed int
	seen    []string
}

func (d *denyAfter) Allow(key string) bool {
	d.seen = append(d.seen, key)
	return len(d.seen) <= d.allowed
}

func testSnapshot(principalID string, events int) *domain.Snapshot {
	last := handlerNow.Add(-time.Hour)
	timeline := make([]domain.TimelineEvent, 0, events)
	for i := 0; i < events; i++ {
		typ := domain.EventInteraction
		if i%2 == 1 {
			typ = domain.EventOpportunity
		}
		timeline = append(timeline, domain.NewTimelineEvent(principalID, typ, handlerNow.Add(-time.Duration(i+1)*time.Hour), fmt.Sprintf("src-%02d", i), ""))
	}
	return &domain.Snapshot{
		PrincipalID: principalID,
		Version:     1,
		BuiltAt:     handlerNow,
		Summary: domain.Summary{
			PrincipalID:         principalID,
			PrincipalName:       "Acme " + principalID,
			TotalOpportunities:  2,
			ActiveOpportunities: 1,
			TotalInteractions:   events,
			LastInteractionAt:   &last,
			EngagementScore:     42,
		},
		Timeline: timeline,
		Products: []domain.ProductPerformance{{PrincipalID: principalID, ProductID: "prod-1", ProductName: "Olive Oil"}},
		Distributors: []domain.DistributorRelationship{
			{PrincipalID: principalID, DistributorID: "dist-1", DistributorName: "Sysco"},
		},
	}
}

type apiFixture struct {
	store     *snapshot.MemoryStore
	refresher *stubRefresher
	mux       *http.ServeMux
}

func newAPIFixture(t *testing.T, opts ...HandlerOption) *apiFixture {
	t.Helper()
	store := snapshot.NewMemoryStore()
	ref := &stubRefresher{store: store}
	service := domain.NewService(store, ref, domain.WithClock(func() time.Time { return handlerNow }))
	mux := http.NewServeMux()
	NewHandler(service, opts...).RegisterRoutes(mux)
	return &apiFixture{store: store, refresher: ref, mux: mux}
}

func (f *apiFixture) commit(t *testing.T, snap *domain.Snapshot) {
	t.Helper()
	require.NoError(t, f.store.Commit(context.Background(), *snap))
}

func (f *apiFixture) do(method, target string, scopes ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if scopes != nil {
		claims := &auth.Claims{Subject: "tester", Scopes: map[string]struct{}{}, ExpiresAt: handlerNow.Add(time.Hour)}
		for _, scope := range scopes {
			claims.Scopes[scope] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 2))

	rr := f.do(http.MethodGet, "/v1/principals/P1/summary", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SummaryResponse](t, rr)
	require.Equal(t, "P1", resp.PrincipalID)
	require.Equal(t, uint64(1), resp.Version)
	require.Equal(t, 2, resp.Summary.TotalInteractions)

	rr = f.do(http.MethodGet, "/v1/principals/P9/summary", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "not_found", decode[map[string]string](t, rr)["type"])
}

func TestPreviousSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 2))

	rr := f.do(http.MethodGet, "/v1/principals/P1/summary?version=previous", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusNotFound, rr.Code)

	next := testSnapshot("P1", 4)
	next.Version = 2
	f.commit(t, next)

	rr = f.do(http.MethodGet, "/v1/principals/P1/summary?version=previous", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SummaryResponse](t, rr)
	require.Equal(t, uint64(1), resp.Version)
	require.Equal(t, 2, resp.Summary.TotalInteractions)

	rr = f.do(http.MethodGet, "/v1/principals/P1/summary?version=current", auth.ScopePrincipalsRead)
	require.Equal(t, uint64(2), decode[SummaryResponse](t, rr).Version)

	rr = f.do(http.MethodGet, "/v1/principals/P1/summary?version=oldest", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReadsRequireScope(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 1))

	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/principals/P1/summary").Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/principals/P1/summary", auth.ScopePrincipalsRefresh).Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRead).Code)
	require.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodDelete, "/v1/principals/P1/summary", auth.ScopePrincipalsRead).Code)
}

func TestTimelinePaginatesWithOpaqueCursor(t *testing.T) {
	f := newAPIFixture(t)
	snap := testSnapshot("P1", 5)
	f.commit(t, snap)

	var ids []string
	target := "/v1/principals/P1/timeline?limit=2"
	for pages := 0; pages < 5; pages++ {
		rr := f.do(http.MethodGet, target, auth.ScopePrincipalsRead)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		page := decode[TimelineResponse](t, rr)
		for _, evt := range page.Items {
			ids = append(ids, evt.ID)
		}
		if page.NextCursor == "" {
			break
		}
		target = "/v1/principals/P1/timeline?limit=2&cursor=" + url.QueryEscape(page.NextCursor)
	}

	want := make([]string, 0, len(snap.Timeline))
	for _, evt := range snap.Timeline {
		want = append(want, evt.ID)
	}
	require.Equal(t, want, ids)
}

func TestTimelineFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 6))

	from := handlerNow.Add(-4 * time.Hour).Format(time.RFC3339)
	rr := f.do(http.MethodGet, "/v1/principals/P1/timeline?event_types=interaction&from="+url.QueryEscape(from), auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page := decode[TimelineResponse](t, rr)
	require.Len(t, page.Items, 2)
	for _, evt := range page.Items {
		require.Equal(t, domain.EventInteraction, evt.Type)
	}
}

func TestTimelineRejectsBadParameters(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 1))

	for _, query := range []string{
		"cursor=not-a-cursor",
		"limit=-1",
		"event_types=email",
		"from=yesterday",
		"from=2025-03-03T00:00:00Z&to=2025-03-01T00:00:00Z",
	} {
		rr := f.do(http.MethodGet, "/v1/principals/P1/timeline?"+query, auth.ScopePrincipalsRead)
		require.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
}

func TestProductsAndDistributors(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 1))

	rr := f.do(http.MethodGet, "/v1/principals/P1/products", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	products := decode[ProductsResponse](t, rr)
	require.Len(t, products.Items, 1)
	require.Equal(t, "prod-1", products.Items[0].ProductID)

	rr = f.do(http.MethodGet, "/v1/principals/P1/distributors", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	rels := decode[DistributorsResponse](t, rr)
	require.Equal(t, "Sysco", rels.Items[0].DistributorName)

	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/principals/P2/products", auth.ScopePrincipalsRead).Code)
}

func TestDashboardKPIs(t *testing.T) {
	f := newAPIFixture(t)
	high := testSnapshot("P1", 1)
	high.Summary.EngagementScore = 90
	f.commit(t, high)
	f.commit(t, testSnapshot("P2", 1))
	low := testSnapshot("P3", 1)
	low.Summary.EngagementScore = 10
	f.commit(t, low)

	rr := f.do(http.MethodGet, "/v1/dashboard/kpis?top=2&min_score=20", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	kpis := decode[KPIResponse](t, rr)
	require.Equal(t, 2, kpis.TotalPrincipals)
	require.InDelta(t, 66, kpis.AverageEngagement, 1e-9)
	require.Len(t, kpis.TopPrincipals, 2)
	require.Equal(t, "P1", kpis.TopPrincipals[0].PrincipalID)

	rr = f.do(http.MethodGet, "/v1/dashboard/kpis?principal_ids=P3,%20P2", auth.ScopePrincipalsRead)
	require.Equal(t, 2, decode[KPIResponse](t, rr).TotalPrincipals)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/dashboard/kpis?active_only=maybe", auth.ScopePrincipalsRead).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/dashboard/kpis?min_score=150", auth.ScopePrincipalsRead).Code)
}

func TestRefreshCommitsThenAccepts(t *testing.T) {
	f := newAPIFixture(t)
	f.commit(t, testSnapshot("P1", 1))

	rr := f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[RefreshResponse](t, rr)
	require.Equal(t, "committed", resp.Status)
	require.Equal(t, uint64(2), resp.Version)

	rr = f.do(http.MethodGet, "/v1/principals/P1/summary", auth.ScopePrincipalsRead)
	require.Equal(t, uint64(2), decode[SummaryResponse](t, rr).Version)
}

func TestRefreshMapsBuildErrors(t *testing.T) {
	f := newAPIFixture(t)

	f.refresher.err = fmt.Errorf("attempt 3: %w", domain.ErrBuildTimeout)
	require.Equal(t, http.StatusGatewayTimeout, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh).Code)

	f.refresher.err = domain.ErrSourceUnavailable
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh).Code)

	f.refresher.err = refresh.ErrClosed
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh).Code)
	f.refresher.err = fmt.Errorf("principal P1: %w", refresh.ErrLeaseHeld)
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh).Code)
}

func TestRefreshIsRateLimitedPerSubject(t *testing.T) {
	limiter := &denyAfter{allowed: 1}
	f := newAPIFixture(t, WithRefreshLimiter(limiter))

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh).Code)
	rr := f.do(http.MethodPost, "/v1/principals/P1/refresh", auth.ScopePrincipalsRefresh)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Equal(t, 1, f.refresher.calls)
	require.Equal(t, []string{"tester", "tester"}, limiter.seen)
}

func TestRefreshStatus(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/v1/refresh/status", auth.ScopePrincipalsRead).Code)

	f = newAPIFixture(t, WithStats(stubStats{stats: refresh.Stats{Pending: 3, Running: 1}}))
	rr := f.do(http.MethodGet, "/v1/refresh/status", auth.ScopePrincipalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, refresh.Stats{Pending: 3, Running: 1}, decode[refresh.Stats](t, rr))
}

func TestHealthzNeedsNoClaims(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
