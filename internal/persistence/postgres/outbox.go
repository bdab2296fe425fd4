package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	platformevents "example.com/principalanalytics/platform/events"
)

// Outbox event types written alongside snapshot state changes.
const (
	EventSnapshotCommitted = platformevents.TypeSnapshotCommitted
	EventPrincipalRetired  = platformevents.TypePrincipalRetired
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	EventSnapshotCommitted: {
		Topic:         "principal_snapshot_committed",
		SchemaSubject: "principal_snapshot_committed-value",
	},
	EventPrincipalRetired: {
		Topic:         "principal_retired",
		SchemaSubject: "principal_retired-value",
	},
}

// insertOutbox records an event for the dispatcher in the caller's transaction. Events are
// partitioned by principal so consumers observe versions in commit order.
func insertOutbox(ctx context.Context, tx pgx.Tx, principalID, eventType, dedupeKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		"principal",
		principalID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		principalID,
		body,
		dedupeKey,
	)
	return err
}
