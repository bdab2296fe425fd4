// Package domain defines the entities, snapshot model and query workflows of the principal analytics engine.
package domain

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	defaultTimelineLimit = 50
	maxTimelineLimit     = 500
	defaultTopN          = 5
	defaultActiveWindow  = 90 * 24 * time.Hour
)

// SourceReader is the read contract of the source collaborators.
// List methods return rows sorted by their timestamp ascending, soft-deleted rows included.
type SourceReader interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	ListInteractions(ctx context.Context, principalID string) ([]Interaction, error)
	ListOpportunities(ctx context.Context, principalID string) ([]Opportunity, error)
	ListStageChanges(ctx context.Context, principalID string) ([]StageChange, error)
	ListProductAssociations(ctx context.Context, principalID string) ([]ProductAssociation, error)
	ListDistributorRelationships(ctx context.Context, principalID string) ([]DistributorRelationship, error)
	ListPrincipalIDs(ctx context.Context) ([]string, error)
	ListPrincipalsByDistributor(ctx context.Context, distributorID string) ([]string, error)
}

// SnapshotReader exposes committed snapshots to readers.
type SnapshotReader interface {
	Current(ctx context.Context, principalID string) (*Snapshot, error)
	// Previous is the snapshot the current one replaced.
	Previous(ctx context.Context, principalID string) (*Snapshot, error)
	ListSummaries(ctx context.Context) ([]SummaryRecord, error)
}

// SnapshotStore is the full Snapshot Store contract used by the builder side.
// Returned snapshots are shared and must not be mutated.
type SnapshotStore interface {
	SnapshotReader
	// LatestVersion is the highest version ever committed for the principal, retired or not.
	LatestVersion(ctx context.Context, principalID string) (uint64, error)
	// Commit atomically makes snapshot current. It fails with ErrStaleVersion unless the
	// version is greater than LatestVersion.
	Commit(ctx context.Context, snapshot Snapshot) error
	// Retire drops the current pointer and reports whether there was one.
	Retire(ctx context.Context, principalID string) (bool, error)
}

// Refresher triggers an explicit rebuild and waits for it.
type Refresher interface {
	RefreshNow(ctx context.Context, principalID string) error
}

// Service answers summary, timeline, product, relationship and KPI queries from committed snapshots.
// It never triggers a rebuild as a side effect of a read.
type Service struct {
	snapshots    SnapshotReader
	refresher    Refresher
	now          func() time.Time
	activeWindow time.Duration
}

// ServiceOption customises the Service.
type ServiceOption func(*Service)

// WithClock overrides the time source used for KPI activity windows.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithActiveWindow sets how recent the last interaction must be for a principal to count as active.
func WithActiveWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		if window > 0 {
			s.activeWindow = window
		}
	}
}

// NewService constructs a Service.
func NewService(snapshots SnapshotReader, refresher Refresher, opts ...ServiceOption) *Service {
	s := &Service{
		snapshots:    snapshots,
		refresher:    refresher,
		now:          func() time.Time { return time.Now().UTC() },
		activeWindow: defaultActiveWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSummary returns the current snapshot header and summary.
func (s *Service) GetSummary(ctx context.Context, principalID string) (*Snapshot, error) {
	snap, err := s.current(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return stripCollections(snap), nil
}

func stripCollections(snap *Snapshot) *Snapshot {
	out := *snap
	out.Timeline = nil
	out.Products = nil
	out.Distributors = nil
	return &out
}

// GetPreviousSummary returns the summary of the snapshot the current one replaced, for diffing.
// A retired principal or one committed only once has none.
func (s *Service) GetPreviousSummary(ctx context.Context, principalID string) (*Snapshot, error) {
	if _, err := s.current(ctx, principalID); err != nil {
		return nil, err
	}
	snap, err := s.snapshots.Previous(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return stripCollections(snap), nil
}

// TimelineQuery windows and filters a timeline read.
type TimelineQuery struct {
	From       *time.Time
	To         *time.Time
	Limit      int
	EventTypes []EventType
	Cursor     *Cursor
}

// TimelinePage is one page of newest-first events.
type TimelinePage struct {
	PrincipalID string
	Version     uint64
	Events      []TimelineEvent
	NextCursor  *Cursor
}

// Timeline returns a lazy, finite sequence over the committed timeline that matches the query.
// The sequence is bound to the snapshot current at call time and may be ranged over repeatedly.
// Limit is ignored; callers stop ranging when they have enough.
func (s *Service) Timeline(ctx context.Context, principalID string, query TimelineQuery) (iter.Seq[TimelineEvent], uint64, error) {
	snap, err := s.current(ctx, principalID)
	if err != nil {
		return nil, 0, err
	}

	events := snap.Timeline
	start := 0
	if query.To != nil {
		to := query.To.UTC()
		start = sort.Search(len(events), func(i int) bool { return !events[i].OccurredAt.After(to) })
	}
	if query.Cursor != nil {
		key, err := query.Cursor.Key()
		if err != nil {
			return nil, 0, err
		}
		if after := sort.Search(len(events), func(i int) bool { return CompareKeys(events[i].Key(), key) < 0 }); after > start {
			start = after
		}
	}

	var from time.Time
	if query.From != nil {
		from = query.From.UTC()
	}

	seq := func(yield func(TimelineEvent) bool) {
		for i := start; i < len(events); i++ {
			evt := events[i]
			if !from.IsZero() && evt.OccurredAt.Before(from) {
				return
			}
			if len(query.EventTypes) > 0 && !slices.Contains(query.EventTypes, evt.Type) {
				continue
			}
			if !yield(evt) {
				return
			}
		}
	}
	return seq, snap.Version, nil
}

// GetTimeline returns one page of the principal timeline using keyset pagination.
func (s *Service) GetTimeline(ctx context.Context, principalID string, query TimelineQuery) (TimelinePage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	if limit > maxTimelineLimit {
		limit = maxTimelineLimit
	}

	seq, version, err := s.Timeline(ctx, principalID, query)
	if err != nil {
		return TimelinePage{}, err
	}

	page := TimelinePage{PrincipalID: principalID, Version: version, Events: make([]TimelineEvent, 0, limit)}
	for evt := range seq {
		if len(page.Events) == limit {
			last := page.Events[len(page.Events)-1]
			page.NextCursor = &Cursor{OccurredAt: last.OccurredAt, ID: last.ID}
			break
		}
		page.Events = append(page.Events, evt)
	}
	return page, nil
}

// GetProductPerformance returns the per-product records of the current snapshot.
func (s *Service) GetProductPerformance(ctx context.Context, principalID string) ([]ProductPerformance, error) {
	snap, err := s.current(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(snap.Products), nil
}

// GetDistributorRelationships returns the distributor list of the current snapshot.
func (s *Service) GetDistributorRelationships(ctx context.Context, principalID string) ([]DistributorRelationship, error) {
	snap, err := s.current(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(snap.Distributors), nil
}

// KPIFilter narrows the set of principals considered by GetDashboardKPIs.
type KPIFilter struct {
	ActiveOnly    bool
	MinEngagement float64
	PrincipalIDs  []string
	TopN          int
}

// PrincipalRank is one entry in the engagement leaderboard.
type PrincipalRank struct {
	PrincipalID     string
	PrincipalName   string
	EngagementScore float64
	Version         uint64
}

// DashboardKPIs aggregates current snapshots across principals.
type DashboardKPIs struct {
	TotalPrincipals     int
	ActivePrincipals    int
	AverageEngagement   float64
	TotalOpportunities  int
	ActiveOpportunities int
	WonOpportunities    int
	TotalInteractions   int
	TopPrincipals       []PrincipalRank
	GeneratedAt         time.Time
}

// GetDashboardKPIs scans current snapshot summaries; it never re-aggregates raw sources.
func (s *Service) GetDashboardKPIs(ctx context.Context, filter KPIFilter) (DashboardKPIs, error) {
	records, err := s.snapshots.ListSummaries(ctx)
	if err != nil {
		return DashboardKPIs{}, err
	}

	now := s.now()
	kpis := DashboardKPIs{GeneratedAt: now}

	var include map[string]struct{}
	if len(filter.PrincipalIDs) > 0 {
		include = make(map[string]struct{}, len(filter.PrincipalIDs))
		for _, id := range filter.PrincipalIDs {
			include[strings.TrimSpace(id)] = struct{}{}
		}
	}

	ranks := make([]PrincipalRank, 0, len(records))
	var scoreTotal float64
	for _, rec := range records {
		if include != nil {
			if _, ok := include[rec.PrincipalID]; !ok {
				continue
			}
		}
		active := s.isActive(rec.Summary, now)
		if filter.ActiveOnly && !active {
			continue
		}
		if rec.Summary.EngagementScore < filter.MinEngagement {
			continue
		}

		kpis.TotalPrincipals++
		if active {
			kpis.ActivePrincipals++
		}
		kpis.TotalOpportunities += rec.Summary.TotalOpportunities
		kpis.ActiveOpportunities += rec.Summary.ActiveOpportunities
		kpis.WonOpportunities += rec.Summary.WonOpportunities
		kpis.TotalInteractions += rec.Summary.TotalInteractions
		scoreTotal += rec.Summary.EngagementScore
		ranks = append(ranks, PrincipalRank{
			PrincipalID:     rec.PrincipalID,
			PrincipalName:   rec.Summary.PrincipalName,
			EngagementScore: rec.Summary.EngagementScore,
			Version:         rec.Version,
		})
	}

	if kpis.TotalPrincipals > 0 {
		kpis.AverageEngagement = scoreTotal / float64(kpis.TotalPrincipals)
	}

	topN := filter.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	slices.SortFunc(ranks, func(a, b PrincipalRank) int {
		if a.EngagementScore != b.EngagementScore {
			if a.EngagementScore > b.EngagementScore {
				return -1
			}
			return 1
		}
		return strings.Compare(a.PrincipalID, b.PrincipalID)
	})
	if len(ranks) > topN {
		ranks = ranks[:topN]
	}
	kpis.TopPrincipals = ranks
	return kpis, nil
}

// TriggerManualRefresh runs an explicit rebuild and waits until it commits or fails.
func (s *Service) TriggerManualRefresh(ctx context.Context, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return ErrMissingIdentifier
	}
	if s.refresher == nil {
		return errors.New("manual refresh is not configured")
	}
	return s.refresher.RefreshNow(ctx, principalID)
}

func (s *Service) current(ctx context.Context, principalID string) (*Snapshot, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, ErrMissingIdentifier
	}
	snap, err := s.snapshots.Current(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *Service) isActive(summary Summary, now time.Time) bool {
	if summary.ActiveOpportunities > 0 {
		return true
	}
	return summary.LastInteractionAt != nil && now.Sub(*summary.LastInteractionAt) <= s.activeWindow
}
