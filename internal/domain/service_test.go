package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSnapshots struct {
	snapshots map[string]*Snapshot
	previous  map[string]*Snapshot
	err       error
}

func (s *stubSnapshots) Current(ctx context.Context, principalID string) (*Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap, ok := s.snapshots[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *stubSnapshots) Previous(ctx context.Context, principalID string) (*Snapshot, error) {
	snap, ok := s.previous[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *stubSnapshots) ListSummaries(ctx context.Context) ([]SummaryRecord, error) {
	out := make([]SummaryRecord, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.Record())
	}
	return out, nil
}

type stubRefresher struct {
	calls []string
	err   error
}

func (s *stubRefresher) RefreshNow(ctx context.Context, principalID string) error {
	s.calls = append(s.calls, principalID)
	return s.err
}

var serviceNow = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

// timelineSnapshot builds n events one minute apart, newest first, cycling through event types.
func timelineSnapshot(principalID string, n int) *Snapshot {
	types := []EventType{EventInteraction, EventOpportunity, EventProduct}
	events := make([]TimelineEvent, 0, n)
	for i := n - 1; i >= 0; i-- {
		at := serviceNow.Add(-time.Duration(n-i) * time.Minute)
		events = append(events, NewTimelineEvent(principalID, types[i%3], at, fmt.Sprintf("src-%03d", i), ""))
	}
	return &Snapshot{
		PrincipalID: principalID,
		Version:     4,
		Summary:     Summary{PrincipalID: principalID, TotalOpportunities: 2},
		Timeline:    events,
		Products:    []ProductPerformance{{ProductID: "prod-1"}},
		Distributors: []DistributorRelationship{
			{PrincipalID: principalID, DistributorID: "dist-1"},
		},
	}
}

func newTestService(snaps map[string]*Snapshot) (*Service, *stubRefresher) {
	ref := &stubRefresher{}
	svc := NewService(&stubSnapshots{snapshots: snaps}, ref, WithClock(func() time.Time { return serviceNow }))
	return svc, ref
}

func TestGetSummaryNotFound(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.GetSummary(context.Background(), "p-1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetSummary(context.Background(), " ")
	require.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestGetSummaryStripsCollections(t *testing.T) {
	snap := timelineSnapshot("p-1", 3)
	svc, _ := newTestService(map[string]*Snapshot{"p-1": snap})

	got, err := svc.GetSummary(context.Background(), "p-1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Version)
	require.Nil(t, got.Timeline)
	require.Nil(t, got.Products)
	require.Len(t, snap.Timeline, 3, "stored snapshot untouched")
}

func TestGetPreviousSummary(t *testing.T) {
	current := timelineSnapshot("p-1", 3)
	prior := timelineSnapshot("p-1", 2)
	prior.Version = 3
	stub := &stubSnapshots{
		snapshots: map[string]*Snapshot{"p-1": current},
		previous:  map[string]*Snapshot{"p-1": prior, "p-retired": prior},
	}
	svc := NewService(stub, nil)
	ctx := context.Background()

	got, err := svc.GetPreviousSummary(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Version)
	require.Nil(t, got.Timeline)
	require.Len(t, prior.Timeline, 2)

	_, err = svc.GetPreviousSummary(ctx, "p-retired")
	require.ErrorIs(t, err, ErrNotFound)

	delete(stub.previous, "p-1")
	_, err = svc.GetPreviousSummary(ctx, "p-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetTimelinePaginatesWithCursor(t *testing.T) {
	snap := timelineSnapshot("p-1", 7)
	svc, _ := newTestService(map[string]*Snapshot{"p-1": snap})
	ctx := context.Background()

	var collected []string
	query := TimelineQuery{Limit: 3}
	for pages := 0; pages < 10; pages++ {
		page, err := svc.GetTimeline(ctx, "p-1", query)
		require.NoError(t, err)
		for _, evt := range page.Events {
			collected = append(collected, evt.ID)
		}
		if page.NextCursor == nil {
			break
		}
		query.Cursor = page.NextCursor
	}

	want := make([]string, 0, len(snap.Timeline))
	for _, evt := range snap.Timeline {
		want = append(want, evt.ID)
	}
	require.Equal(t, want, collected)
}

func TestGetTimelineCursorSurvivesRebuild(t *testing.T) {
	snap := timelineSnapshot("p-1", 6)
	stub := &stubSnapshots{snapshots: map[string]*Snapshot{"p-1": snap}}
	svc := NewService(stub, nil)
	ctx := context.Background()

	page, err := svc.GetTimeline(ctx, "p-1", TimelineQuery{Limit: 2})
	require.NoError(t, err)
	require.NotNil(t, page.NextCursor)

	// A rebuild prepends a newer event; the cursor still resumes after the last seen event.
	rebuilt := *snap
	rebuilt.Version = 5
	rebuilt.Timeline = append([]TimelineEvent{NewTimelineEvent("p-1", EventInteraction, serviceNow, "fresh", "")}, snap.Timeline...)
	stub.snapshots["p-1"] = &rebuilt

	next, err := svc.GetTimeline(ctx, "p-1", TimelineQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Equal(t, uint64(5), next.Version)
	require.Equal(t, snap.Timeline[2].ID, next.Events[0].ID)
	require.Equal(t, snap.Timeline[3].ID, next.Events[1].ID)
}

func TestGetTimelineWindowAndTypeFilters(t *testing.T) {
	snap := timelineSnapshot("p-1", 9)
	svc, _ := newTestService(map[string]*Snapshot{"p-1": snap})

	from := serviceNow.Add(-7 * time.Minute)
	to := serviceNow.Add(-3 * time.Minute)
	page, err := svc.GetTimeline(context.Background(), "p-1", TimelineQuery{
		From:       &from,
		To:         &to,
		EventTypes: []EventType{EventInteraction, EventProduct},
	})
	require.NoError(t, err)
	require.Nil(t, page.NextCursor)
	for _, evt := range page.Events {
		require.False(t, evt.OccurredAt.Before(from))
		require.False(t, evt.OccurredAt.After(to))
		require.NotEqual(t, EventOpportunity, evt.Type)
	}
	require.NotEmpty(t, page.Events)
}

func TestTimelineSequenceIsRestartable(t *testing.T) {
	svc, _ := newTestService(map[string]*Snapshot{"p-1": timelineSnapshot("p-1", 5)})

	seq, version, err := svc.Timeline(context.Background(), "p-1", TimelineQuery{})
	require.NoError(t, err)
	require.Equal(t, uint64(4), version)

	var first, second []TimelineEvent
	for evt := range seq {
		first = append(first, evt)
	}
	for evt := range seq {
		second = append(second, evt)
		if len(second) == 2 {
			break
		}
	}
	require.Len(t, first, 5)
	require.Equal(t, first[:2], second)
}

func TestGetTimelineRejectsBadCursor(t *testing.T) {
	svc, _ := newTestService(map[string]*Snapshot{"p-1": timelineSnapshot("p-1", 2)})
	_, err := svc.GetTimeline(context.Background(), "p-1", TimelineQuery{Cursor: &Cursor{ID: "garbage"}})
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestListQueriesReturnCopies(t *testing.T) {
	snap := timelineSnapshot("p-1", 1)
	svc, _ := newTestService(map[string]*Snapshot{"p-1": snap})
	ctx := context.Background()

	products, err := svc.GetProductPerformance(ctx, "p-1")
	require.NoError(t, err)
	products[0].ProductID = "mutated"
	require.Equal(t, "prod-1", snap.Products[0].ProductID)

	rels, err := svc.GetDistributorRelationships(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
}

func kpiSnapshot(id string, score float64, active int, lastInteraction *time.Time) *Snapshot {
	return &Snapshot{
		PrincipalID: id,
		Version:     1,
		Summary: Summary{
			PrincipalID:         id,
			PrincipalName:       "Name " + id,
			TotalOpportunities:  active + 1,
			ActiveOpportunities: active,
			TotalInteractions:   3,
			LastInteractionAt:   lastInteraction,
			EngagementScore:     score,
		},
	}
}

func TestGetDashboardKPIs(t *testing.T) {
	recent := serviceNow.Add(-24 * time.Hour)
	stale := serviceNow.Add(-400 * 24 * time.Hour)
	svc, _ := newTestService(map[string]*Snapshot{
		"p-a": kpiSnapshot("p-a", 80, 2, nil),
		"p-b": kpiSnapshot("p-b", 80, 0, &recent),
		"p-c": kpiSnapshot("p-c", 20, 0, &stale),
		"p-d": kpiSnapshot("p-d", 50, 1, &stale),
	})
	ctx := context.Background()

	kpis, err := svc.GetDashboardKPIs(ctx, KPIFilter{TopN: 3})
	require.NoError(t, err)
	require.Equal(t, 4, kpis.TotalPrincipals)
	require.Equal(t, 3, kpis.ActivePrincipals)
	require.InDelta(t, 57.5, kpis.AverageEngagement, 1e-9)
	require.Equal(t, 7, kpis.TotalOpportunities)
	require.Equal(t, 3, kpis.ActiveOpportunities)
	require.Equal(t, 12, kpis.TotalInteractions)
	require.Equal(t, serviceNow, kpis.GeneratedAt)

	var top []string
	for _, r := range kpis.TopPrincipals {
		top = append(top, r.PrincipalID)
	}
	require.Equal(t, []string{"p-a", "p-b", "p-d"}, top)

	kpis, err = svc.GetDashboardKPIs(ctx, KPIFilter{ActiveOnly: true, MinEngagement: 60})
	require.NoError(t, err)
	require.Equal(t, 2, kpis.TotalPrincipals)

	kpis, err = svc.GetDashboardKPIs(ctx, KPIFilter{PrincipalIDs: []string{"p-c", "p-missing"}})
	require.NoError(t, err)
	require.Equal(t, 1, kpis.TotalPrincipals)
	require.Equal(t, 0, kpis.ActivePrincipals)
	require.True(t, slices.ContainsFunc(kpis.TopPrincipals, func(r PrincipalRank) bool { return r.PrincipalID == "p-c" }))
}

func TestTriggerManualRefreshDelegates(t *testing.T) {
	svc, ref := newTestService(nil)
	require.NoError(t, svc.TriggerManualRefresh(context.Background(), "p-1"))
	require.Equal(t, []string{"p-1"}, ref.calls)

	ref.err = ErrBuildTimeout
	require.ErrorIs(t, svc.TriggerManualRefresh(context.Background(), "p-1"), ErrBuildTimeout)
	require.ErrorIs(t, svc.TriggerManualRefresh(context.Background(), ""), ErrMissingIdentifier)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(fmt.Errorf("wrap: %w", ErrSnapshotStoreCorrupted)))
	require.True(t, IsRetryable(ErrSourceUnavailable))
	require.True(t, IsRetryable(ErrBuildTimeout))
	require.True(t, IsRetryable(ErrStaleVersion))
	require.True(t, IsRetryable(errors.New("unknown")))
}

func TestCursorKeyRecoversOrdering(t *testing.T) {
	evt := NewTimelineEvent("p-1", EventOpportunity, serviceNow, "sc-9", "")
	key, err := Cursor{OccurredAt: evt.OccurredAt, ID: evt.ID}.Key()
	require.NoError(t, err)
	require.Equal(t, 0, CompareKeys(evt.Key(), key))

	_, err = Cursor{ID: "bogus:sc-9"}.Key()
	require.ErrorIs(t, err, ErrInvalidCursor)
}
