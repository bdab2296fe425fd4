package outbox

import platformevents "example.com/principalanalytics/platform/events"

const snapshotCommittedSchema = `{
  "type": "object",
  "title": "PrincipalSnapshotCommitted",
  "properties": {
    "principal_id": {"type": "string"},
    "version": {"type": "integer", "minimum": 1},
    "built_at": {"type": "string", "format": "date-time"},
    "engagement_score": {"type": "number", "minimum": 0, "maximum": 100},
    "total_opportunities": {"type": "integer"},
    "active_opportunities": {"type": "integer"},
    "total_interactions": {"type": "integer"},
    "dropped_references": {"type": "integer"}
  },
  "required": ["principal_id", "version", "built_at", "engagement_score"],
  "additionalProperties": false
}`

const principalRetiredSchema = `{
  "type": "object",
  "title": "PrincipalRetired",
  "properties": {
    "principal_id": {"type": "string"},
    "last_version": {"type": "integer"},
    "retired_at": {"type": "string", "format": "date-time"}
  },
  "required": ["principal_id", "last_version", "retired_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	platformevents.TypeSnapshotCommitted: {Schema: snapshotCommittedSchema},
	platformevents.TypePrincipalRetired:  {Schema: principalRetiredSchema},
}
