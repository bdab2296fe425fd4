package domain

import "time"

// EntityType names the source collaborator a change came from.
type EntityType string

const (
	EntityOrganization            EntityType = "organization"
	EntityInteraction             EntityType = "interaction"
	EntityOpportunity             EntityType = "opportunity"
	EntityStageChange             EntityType = "stage_change"
	EntityProductAssociation      EntityType = "product_association"
	EntityDistributorRelationship EntityType = "distributor_relationship"
)

// ParseEntityType validates an entity type received on the wire.
func ParseEntityType(raw string) (EntityType, bool) {
	switch t := EntityType(raw); t {
	case EntityOrganization, EntityInteraction, EntityOpportunity, EntityStageChange,
		EntityProductAssociation, EntityDistributorRelationship:
		return t, true
	default:
		return "", false
	}
}

// ChangeNotification reports that a source row was inserted, updated or soft-deleted.
// PrincipalIDs lists the principals the collaborator already knows are affected and may be empty
// for organization changes, which the observer resolves itself.
type ChangeNotification struct {
	EntityType   EntityType
	EntityID     string
	PrincipalIDs []string
	OccurredAt   time.Time
}

// ChangeListener receives change notifications. Implementations must not block.
type ChangeListener interface {
	Notify(ChangeNotification)
}
