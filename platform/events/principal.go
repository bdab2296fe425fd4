// Package events defines shared cross-service event payloads.
package events

import "time"

// ChangeEvent is published by a source collaborator whenever a row relevant to principal analytics
// is inserted, updated or soft-deleted.
type ChangeEvent struct {
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Operation    string    `json:"operation"`
	PrincipalIDs []string  `json:"principal_ids,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Change operations.
const (
	OperationInsert     = "insert"
	OperationUpdate     = "update"
	OperationSoftDelete = "soft_delete"
)

// SnapshotCommitted is emitted after a new principal snapshot became current.
type SnapshotCommitted struct {
	PrincipalID         string    `json:"principal_id"`
	Version             uint64    `json:"version"`
	BuiltAt             time.Time `json:"built_at"`
	EngagementScore     float64   `json:"engagement_score"`
	TotalOpportunities  int       `json:"total_opportunities"`
	ActiveOpportunities int       `json:"active_opportunities"`
	TotalInteractions   int       `json:"total_interactions"`
	DroppedReferences   int       `json:"dropped_references"`
}

// PrincipalRetired is emitted when a principal stops carrying a snapshot.
type PrincipalRetired struct {
	PrincipalID string    `json:"principal_id"`
	LastVersion uint64    `json:"last_version"`
	RetiredAt   time.Time `json:"retired_at"`
}

// Outbound event types, as recorded in the outbox.
const (
	TypeSnapshotCommitted = "principal.snapshot_committed"
	TypePrincipalRetired  = "principal.retired"
)
