package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/principalanalytics/internal/domain"
)

// SourceRepository reads the source collaborator tables.
type SourceRepository struct {
	pool *pgxpool.Pool
}

// NewSourceRepository constructs a SourceRepository.
func NewSourceRepository(pool *pgxpool.Pool) *SourceRepository {
	return &SourceRepository{pool: pool}
}

var _ domain.SourceReader = (*SourceRepository)(nil)

// GetOrganization returns nil when the organization does not exist.
func (r *SourceRepository) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	const query = `SELECT id, name, is_principal, is_distributor, active, created_at, updated_at, deleted_at
        FROM organizations WHERE id=$1`

	var org domain.Organization
	err := r.pool.QueryRow(ctx, query, id).Scan(&org.ID, &org.Name, &org.IsPrincipal, &org.IsDistributor, &org.Active, &org.CreatedAt, &org.UpdatedAt, &org.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

// ListInteractions returns the principal's interactions oldest first.
func (r *SourceRepository) ListInteractions(ctx context.Context, principalID string) ([]domain.Interaction, error) {
	const query = `SELECT id, principal_id, organization_id, interaction_type, subject, occurred_at, deleted_at
        FROM interactions WHERE principal_id=$1 ORDER BY occurred_at, id`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Interaction
	for rows.Next() {
		var (
			it    domain.Interaction
			orgID *string
		)
		if err := rows.Scan(&it.ID, &it.PrincipalID, &orgID, &it.Type, &it.Subject, &it.OccurredAt, &it.DeletedAt); err != nil {
			return nil, err
		}
		it.OrganizationID = deref(orgID)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListOpportunities returns the principal's opportunities oldest first.
func (r *SourceRepository) ListOpportunities(ctx context.Context, principalID string) ([]domain.Opportunity, error) {
	const query = `SELECT id, name, principal_id, organization_id, product_id, stage, probability, is_won, created_at, updated_at, deleted_at
        FROM opportunities WHERE principal_id=$1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		var (
			opp              domain.Opportunity
			orgID, productID *string
			stage            string
		)
		if err := rows.Scan(&opp.ID, &opp.Name, &opp.PrincipalID, &orgID, &productID, &stage, &opp.Probability, &opp.IsWon, &opp.CreatedAt, &opp.UpdatedAt, &opp.DeletedAt); err != nil {
			return nil, err
		}
		opp.OrganizationID = deref(orgID)
		opp.ProductID = deref(productID)
		opp.Stage = domain.OpportunityStage(stage)
		out = append(out, opp)
	}
	return out, rows.Err()
}

// ListStageChanges returns the principal's stage transitions oldest first.
func (r *SourceRepository) ListStageChanges(ctx context.Context, principalID string) ([]domain.StageChange, error) {
	const query = `SELECT id, opportunity_id, principal_id, from_stage, to_stage, changed_at
        FROM opportunity_stage_changes WHERE principal_id=$1 ORDER BY changed_at, id`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StageChange
	for rows.Next() {
		var (
			change domain.StageChange
			from   *string
			to     string
		)
		if err := rows.Scan(&change.ID, &change.OpportunityID, &change.PrincipalID, &from, &to, &change.ChangedAt); err != nil {
			return nil, err
		}
		change.FromStage = domain.OpportunityStage(deref(from))
		change.ToStage = domain.OpportunityStage(to)
		out = append(out, change)
	}
	return out, rows.Err()
}

// ListProductAssociations returns associations joined with their product, oldest first.
func (r *SourceRepository) ListProductAssociations(ctx context.Context, principalID string) ([]domain.ProductAssociation, error) {
	const query = `SELECT pp.id, pp.product_id, p.name, pp.principal_id, pp.contract_status, p.active, pp.added_at, pp.removed_at
        FROM product_principals pp JOIN products p ON p.id = pp.product_id
        WHERE pp.principal_id=$1 ORDER BY pp.added_at, pp.id`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProductAssociation
	for rows.Next() {
		var assoc domain.ProductAssociation
		if err := rows.Scan(&assoc.ID, &assoc.ProductID, &assoc.ProductName, &assoc.PrincipalID, &assoc.ContractStatus, &assoc.ProductActive, &assoc.AddedAt, &assoc.RemovedAt); err != nil {
			return nil, err
		}
		out = append(out, assoc)
	}
	return out, rows.Err()
}

// ListDistributorRelationships returns the principal's distributor links oldest first.
func (r *SourceRepository) ListDistributorRelationships(ctx context.Context, principalID string) ([]domain.DistributorRelationship, error) {
	const query = `SELECT principal_id, distributor_id, territory, metadata, established_at
        FROM distributor_principal_relationships WHERE principal_id=$1 ORDER BY established_at, distributor_id`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DistributorRelationship
	for rows.Next() {
		var (
			rel      domain.DistributorRelationship
			metadata []byte
		)
		if err := rows.Scan(&rel.PrincipalID, &rel.DistributorID, &rel.Territory, &metadata, &rel.EstablishedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rel.Metadata); err != nil {
				return nil, fmt.Errorf("relationship %s/%s metadata: %w", rel.PrincipalID, rel.DistributorID, err)
			}
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// ListPrincipalIDs returns every aggregatable principal.
func (r *SourceRepository) ListPrincipalIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT id FROM organizations
        WHERE is_principal AND NOT is_distributor AND deleted_at IS NULL ORDER BY id`
	return r.collectIDs(ctx, query)
}

// ListPrincipalsByDistributor returns the principals linked to distributorID.
func (r *SourceRepository) ListPrincipalsByDistributor(ctx context.Context, distributorID string) ([]string, error) {
	const query = `SELECT principal_id FROM distributor_principal_relationships
        WHERE distributor_id=$1 ORDER BY principal_id`
	return r.collectIDs(ctx, query, distributorID)
}

func (r *SourceRepository) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
