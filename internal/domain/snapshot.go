package domain

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// EventType tags the source a timeline event was drawn from.
type EventType string

const (
	EventInteraction EventType = "interaction"
	EventOpportunity EventType = "opportunity_event"
	EventProduct     EventType = "product_event"
)

// Priority is the tie-break rank used when events share a timestamp.
func (t EventType) Priority() int {
	switch t {
	case EventInteraction:
		return 0
	case EventOpportunity:
		return 1
	case EventProduct:
		return 2
	default:
		return 3
	}
}

// ParseEventType validates a user supplied event type.
func ParseEventType(raw string) (EventType, error) {
	switch t := EventType(strings.TrimSpace(raw)); t {
	case EventInteraction, EventOpportunity, EventProduct:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", raw)
	}
}

// TimelineEvent is one immutable, source-tagged activity instant.
type TimelineEvent struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	SourceID    string    `json:"source_id"`
	Description string    `json:"description"`
}

// NewTimelineEvent builds an event whose ID encodes its type so cursors can recover the tie-break rank.
func NewTimelineEvent(principalID string, typ EventType, occurredAt time.Time, sourceID, description string) TimelineEvent {
	return TimelineEvent{
		ID:          string(typ) + ":" + sourceID,
		PrincipalID: principalID,
		Type:        typ,
		OccurredAt:  occurredAt.UTC(),
		SourceID:    sourceID,
		Description: description,
	}
}

// EventKey is the total-order key (timestamp, source priority, source id).
type EventKey struct {
	OccurredAt time.Time
	Priority   int
	SourceID   string
}

// Key returns the ordering key of the event.
func (e TimelineEvent) Key() EventKey {
	return EventKey{OccurredAt: e.OccurredAt, Priority: e.Type.Priority(), SourceID: e.SourceID}
}

// CompareKeys orders keys ascending (oldest first).
func CompareKeys(a, b EventKey) int {
	if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return strings.Compare(a.SourceID, b.SourceID)
}

// CompareEvents orders events ascending by their total-order key.
func CompareEvents(a, b TimelineEvent) int {
	return CompareKeys(a.Key(), b.Key())
}

// Cursor models the timeline pagination token: the last returned event's timestamp and id.
type Cursor struct {
	OccurredAt time.Time
	ID         string
}

// Key recovers the ordering key from the cursor.
func (c Cursor) Key() (EventKey, error) {
	typ, sourceID, ok := strings.Cut(c.ID, ":")
	if !ok || sourceID == "" {
		return EventKey{}, ErrInvalidCursor
	}
	eventType, err := ParseEventType(typ)
	if err != nil {
		return EventKey{}, ErrInvalidCursor
	}
	return EventKey{OccurredAt: c.OccurredAt.UTC(), Priority: eventType.Priority(), SourceID: sourceID}, nil
}

// Summary holds the derived statistics for one principal.
type Summary struct {
	PrincipalID              string     `json:"principal_id"`
	PrincipalName            string     `json:"principal_name"`
	TotalOpportunities       int        `json:"total_opportunities"`
	ActiveOpportunities      int        `json:"active_opportunities"`
	WonOpportunities         int        `json:"won_opportunities"`
	LostOpportunities        int        `json:"lost_opportunities"`
	AverageActiveProbability *float64   `json:"average_active_probability,omitempty"`
	TotalInteractions        int        `json:"total_interactions"`
	LastInteractionAt        *time.Time `json:"last_interaction_at,omitempty"`
	DistinctOrganizations    int        `json:"distinct_organizations"`
	AvailableProducts        int        `json:"available_products"`
	DistributorCount         int        `json:"distributor_count"`
	EngagementScore          float64    `json:"engagement_score"`
}

// ProductPerformance is derived per active (principal, product) pair.
type ProductPerformance struct {
	PrincipalID         string    `json:"principal_id"`
	ProductID           string    `json:"product_id"`
	ProductName         string    `json:"product_name"`
	ContractStatus      string    `json:"contract_status"`
	ActivityStatus      string    `json:"activity_status"`
	TotalOpportunities  int       `json:"total_opportunities"`
	ActiveOpportunities int       `json:"active_opportunities"`
	WonOpportunities    int       `json:"won_opportunities"`
	PerformanceScore    float64   `json:"performance_score"`
	AssociatedAt        time.Time `json:"associated_at"`
}

// Snapshot is the immutable, versioned bundle produced by one rebuild.
// Timeline is ordered newest first.
type Snapshot struct {
	PrincipalID       string                    `json:"principal_id"`
	Version           uint64                    `json:"version"`
	BuiltAt           time.Time                 `json:"built_at"`
	Summary           Summary                   `json:"summary"`
	Timeline          []TimelineEvent           `json:"timeline"`
	Products          []ProductPerformance      `json:"products"`
	Distributors      []DistributorRelationship `json:"distributors"`
	DroppedReferences int                       `json:"dropped_references"`
}

// Record returns the scan-friendly header of the snapshot.
func (s Snapshot) Record() SummaryRecord {
	return SummaryRecord{PrincipalID: s.PrincipalID, Version: s.Version, BuiltAt: s.BuiltAt, Summary: s.Summary}
}

// SummaryRecord is the lightweight view used by dashboard scans.
type SummaryRecord struct {
	PrincipalID string
	Version     uint64
	BuiltAt     time.Time
	Summary     Summary
}
