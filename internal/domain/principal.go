package domain

import (
	"strings"
	"time"
)

// Organization is the source record maintained by the organization collaborator.
// Principals and distributors are both organizations distinguished by flags.
type Organization struct {
	ID            string
	Name          string
	IsPrincipal   bool
	IsDistributor bool
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Validate enforces the principal/distributor exclusivity rule.
func (o Organization) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrMissingIdentifier
	}
	if o.IsPrincipal && o.IsDistributor {
		return ErrConflictingRoles
	}
	return nil
}

// IsAggregatable reports whether the organization should carry a snapshot.
func (o Organization) IsAggregatable() bool {
	return o.IsPrincipal && !o.IsDistributor && o.DeletedAt == nil
}

// IsValidDistributor reports whether the organization can sit on the distributor end of a relationship.
func (o Organization) IsValidDistributor() bool {
	return o.IsDistributor && !o.IsPrincipal && o.DeletedAt == nil
}

// OpportunityStage follows the pipeline stages used by the CRM.
type OpportunityStage string

const (
	StageProspecting   OpportunityStage = "prospecting"
	StageQualification OpportunityStage = "qualification"
	StageProposal      OpportunityStage = "proposal"
	StageNegotiation   OpportunityStage = "negotiation"
	StageClosedWon     OpportunityStage = "closed_won"
	StageClosedLost    OpportunityStage = "closed_lost"
)

// IsTerminal reports whether the stage closes the opportunity.
func (s OpportunityStage) IsTerminal() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// Interaction is one logged engagement with a principal.
type Interaction struct {
	ID             string
	PrincipalID    string
	OrganizationID string
	Type           string
	Subject        string
	OccurredAt     time.Time
	DeletedAt      *time.Time
}

// Opportunity is a pipeline deal attributed to a principal.
type Opportunity struct {
	ID             string
	Name           string
	PrincipalID    string
	OrganizationID string
	ProductID      string
	Stage          OpportunityStage
	Probability    float64 // percent, 0-100
	IsWon          bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Won reports whether the opportunity closed as won.
func (o Opportunity) Won() bool {
	return o.IsWon || o.Stage == StageClosedWon
}

// Lost reports whether the opportunity closed without a win.
func (o Opportunity) Lost() bool {
	return o.Stage == StageClosedLost && !o.IsWon
}

// Active reports whether the opportunity is still in a non-terminal stage.
func (o Opportunity) Active() bool {
	return !o.Stage.IsTerminal() && !o.IsWon
}

// StageChange records one opportunity stage transition.
type StageChange struct {
	ID            string
	OpportunityID string
	PrincipalID   string
	FromStage     OpportunityStage
	ToStage       OpportunityStage
	ChangedAt     time.Time
}

// ProductAssociation is the product↔principal edge.
type ProductAssociation struct {
	ID             string
	ProductID      string
	ProductName    string
	PrincipalID    string
	ContractStatus string
	ProductActive  bool
	AddedAt        time.Time
	RemovedAt      *time.Time
}

// Active reports whether the pair still contributes to the principal's catalog.
func (a ProductAssociation) Active() bool {
	return a.RemovedAt == nil && a.ProductActive
}

// DistributorRelationship links a principal to a distributor organization.
type DistributorRelationship struct {
	PrincipalID     string            `json:"principal_id"`
	DistributorID   string            `json:"distributor_id"`
	DistributorName string            `json:"distributor_name"`
	Territory       string            `json:"territory,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	EstablishedAt   time.Time         `json:"established_at"`
}
