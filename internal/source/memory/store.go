// Package memory keeps source collaborator rows in process for local development and tests.
// Every mutation emits a change notification to the subscribed listeners after the write is applied.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/principalanalytics/internal/domain"
)

// Store is an in-memory implementation of domain.SourceReader with write methods.
type Store struct {
	mu            sync.RWMutex
	organizations map[string]domain.Organization
	interactions  map[string]domain.Interaction
	opportunities map[string]domain.Opportunity
	stageChanges  []domain.StageChange
	associations  map[string]domain.ProductAssociation
	relationships map[relationshipKey]domain.DistributorRelationship

	listeners []domain.ChangeListener
	now       func() time.Time
}

type relationshipKey struct {
	principalID, distributorID string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		organizations: make(map[string]domain.Organization),
		interactions:  make(map[string]domain.Interaction),
		opportunities: make(map[string]domain.Opportunity),
		associations:  make(map[string]domain.ProductAssociation),
		relationships: make(map[relationshipKey]domain.DistributorRelationship),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a listener for change notifications.
func (s *Store) Subscribe(listener domain.ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) emit(n domain.ChangeNotification) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	if n.OccurredAt.IsZero() {
		n.OccurredAt = s.now()
	}
	for _, l := range listeners {
		l.Notify(n)
	}
}

// UpsertOrganization creates or updates an organization.
func (s *Store) UpsertOrganization(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	if strings.TrimSpace(org.ID) == "" {
		org.ID = uuid.NewString()
	}
	if err := org.Validate(); err != nil {
		return domain.Organization{}, err
	}

	s.mu.Lock()
	now := s.now()
	if existing, ok := s.organizations[org.ID]; ok {
		org.CreatedAt = existing.CreatedAt
	} else if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	s.organizations[org.ID] = org
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityOrganization, EntityID: org.ID, OccurredAt: now})
	return org, nil
}

// SoftDeleteOrganization marks an organization deleted.
func (s *Store) SoftDeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	org, ok := s.organizations[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	now := s.now()
	org.DeletedAt = &now
	org.UpdatedAt = now
	s.organizations[id] = org
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityOrganization, EntityID: id, OccurredAt: now})
	return nil
}

// RecordInteraction stores an interaction.
func (s *Store) RecordInteraction(ctx context.Context, it domain.Interaction) (domain.Interaction, error) {
	if strings.TrimSpace(it.PrincipalID) == "" {
		return domain.Interaction{}, domain.ErrMissingIdentifier
	}
	if strings.TrimSpace(it.ID) == "" {
		it.ID = uuid.NewString()
	}

	s.mu.Lock()
	if it.OccurredAt.IsZero() {
		it.OccurredAt = s.now()
	}
	it.OccurredAt = it.OccurredAt.UTC()
	previous, existed := s.interactions[it.ID]
	s.interactions[it.ID] = it
	s.mu.Unlock()

	affected := []string{it.PrincipalID}
	if existed && previous.PrincipalID != it.PrincipalID {
		affected = append(affected, previous.PrincipalID)
	}
	s.emit(domain.ChangeNotification{EntityType: domain.EntityInteraction, EntityID: it.ID, PrincipalIDs: affected})
	return it, nil
}

// DeleteInteraction soft-deletes an interaction.
func (s *Store) DeleteInteraction(ctx context.Context, id string) error {
	s.mu.Lock()
	it, ok := s.interactions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	now := s.now()
	it.DeletedAt = &now
	s.interactions[id] = it
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityInteraction, EntityID: id, PrincipalIDs: []string{it.PrincipalID}, OccurredAt: now})
	return nil
}

// UpsertOpportunity creates or updates an opportunity, recording a stage change whenever the stage moves.
func (s *Store) UpsertOpportunity(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	if strings.TrimSpace(opp.PrincipalID) == "" {
		return domain.Opportunity{}, domain.ErrMissingIdentifier
	}
	if strings.TrimSpace(opp.ID) == "" {
		opp.ID = uuid.NewString()
	}
	if opp.Stage == "" {
		opp.Stage = domain.StageProspecting
	}

	s.mu.Lock()
	now := s.now()
	if opp.UpdatedAt.IsZero() {
		opp.UpdatedAt = now
	}
	previous, existed := s.opportunities[opp.ID]
	if existed {
		opp.CreatedAt = previous.CreatedAt
	} else if opp.CreatedAt.IsZero() {
		opp.CreatedAt = opp.UpdatedAt
	}
	if !existed || previous.Stage != opp.Stage {
		change := domain.StageChange{
			ID:            uuid.NewString(),
			OpportunityID: opp.ID,
			PrincipalID:   opp.PrincipalID,
			ToStage:       opp.Stage,
			ChangedAt:     opp.UpdatedAt.UTC(),
		}
		if existed {
			change.FromStage = previous.Stage
		}
		s.stageChanges = append(s.stageChanges, change)
	}
	s.opportunities[opp.ID] = opp
	s.mu.Unlock()

	affected := []string{opp.PrincipalID}
	if existed && previous.PrincipalID != opp.PrincipalID {
		affected = append(affected, previous.PrincipalID)
	}
	s.emit(domain.ChangeNotification{EntityType: domain.EntityOpportunity, EntityID: opp.ID, PrincipalIDs: affected, OccurredAt: now})
	return opp, nil
}

// DeleteOpportunity soft-deletes an opportunity.
func (s *Store) DeleteOpportunity(ctx context.Context, id string) error {
	s.mu.Lock()
	opp, ok := s.opportunities[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	now := s.now()
	opp.DeletedAt = &now
	s.opportunities[id] = opp
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityOpportunity, EntityID: id, PrincipalIDs: []string{opp.PrincipalID}, OccurredAt: now})
	return nil
}

// AssociateProduct adds a product to a principal's catalog.
func (s *Store) AssociateProduct(ctx context.Context, assoc domain.ProductAssociation) (domain.ProductAssociation, error) {
	if strings.TrimSpace(assoc.PrincipalID) == "" || strings.TrimSpace(assoc.ProductID) == "" {
		return domain.ProductAssociation{}, domain.ErrMissingIdentifier
	}
	if strings.TrimSpace(assoc.ID) == "" {
		assoc.ID = uuid.NewString()
	}

	s.mu.Lock()
	if assoc.AddedAt.IsZero() {
		assoc.AddedAt = s.now()
	}
	assoc.AddedAt = assoc.AddedAt.UTC()
	s.associations[assoc.ID] = assoc
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityProductAssociation, EntityID: assoc.ID, PrincipalIDs: []string{assoc.PrincipalID}})
	return assoc, nil
}

// RemoveProduct ends a product association.
func (s *Store) RemoveProduct(ctx context.Context, associationID string) error {
	s.mu.Lock()
	assoc, ok := s.associations[associationID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	now := s.now()
	assoc.RemovedAt = &now
	s.associations[associationID] = assoc
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{EntityType: domain.EntityProductAssociation, EntityID: associationID, PrincipalIDs: []string{assoc.PrincipalID}, OccurredAt: now})
	return nil
}

// UpsertDistributorRelationship links a principal to a distributor.
func (s *Store) UpsertDistributorRelationship(ctx context.Context, rel domain.DistributorRelationship) error {
	if strings.TrimSpace(rel.PrincipalID) == "" || strings.TrimSpace(rel.DistributorID) == "" {
		return domain.ErrMissingIdentifier
	}

	s.mu.Lock()
	if rel.EstablishedAt.IsZero() {
		rel.EstablishedAt = s.now()
	}
	s.relationships[relationshipKey{rel.PrincipalID, rel.DistributorID}] = rel
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{
		EntityType:   domain.EntityDistributorRelationship,
		EntityID:     rel.PrincipalID + "/" + rel.DistributorID,
		PrincipalIDs: []string{rel.PrincipalID},
	})
	return nil
}

// RemoveDistributorRelationship deletes a principal-distributor link.
func (s *Store) RemoveDistributorRelationship(ctx context.Context, principalID, distributorID string) error {
	key := relationshipKey{principalID, distributorID}
	s.mu.Lock()
	if _, ok := s.relationships[key]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.relationships, key)
	s.mu.Unlock()

	s.emit(domain.ChangeNotification{
		EntityType:   domain.EntityDistributorRelationship,
		EntityID:     principalID + "/" + distributorID,
		PrincipalIDs: []string{principalID},
	})
	return nil
}

// GetOrganization implements domain.SourceReader.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.organizations[id]
	if !ok {
		return nil, nil
	}
	return &org, nil
}

// ListInteractions implements domain.SourceReader.
func (s *Store) ListInteractions(ctx context.Context, principalID string) ([]domain.Interaction, error) {
	s.mu.RLock()
	out := make([]domain.Interaction, 0)
	for _, it := range s.interactions {
		if it.PrincipalID == principalID {
			out = append(out, it)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Interaction) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListOpportunities implements domain.SourceReader.
func (s *Store) ListOpportunities(ctx context.Context, principalID string) ([]domain.Opportunity, error) {
	s.mu.RLock()
	out := make([]domain.Opportunity, 0)
	for _, opp := range s.opportunities {
		if opp.PrincipalID == principalID {
			out = append(out, opp)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Opportunity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListStageChanges implements domain.SourceReader.
func (s *Store) ListStageChanges(ctx context.Context, principalID string) ([]domain.StageChange, error) {
	s.mu.RLock()
	out := make([]domain.StageChange, 0)
	for _, sc := range s.stageChanges {
		if sc.PrincipalID == principalID {
			out = append(out, sc)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b domain.StageChange) int {
		return a.ChangedAt.Compare(b.ChangedAt)
	})
	return out, nil
}

// ListProductAssociations implements domain.SourceReader.
func (s *Store) ListProductAssociations(ctx context.Context, principalID string) ([]domain.ProductAssociation, error) {
	s.mu.RLock()
	out := make([]domain.ProductAssociation, 0)
	for _, assoc := range s.associations {
		if assoc.PrincipalID == principalID {
			out = append(out, assoc)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ProductAssociation) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListDistributorRelationships implements domain.SourceReader.
func (s *Store) ListDistributorRelationships(ctx context.Context, principalID string) ([]domain.DistributorRelationship, error) {
	s.mu.RLock()
	out := make([]domain.DistributorRelationship, 0)
	for key, rel := range s.relationships {
		if key.principalID == principalID {
			out = append(out, rel)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.DistributorRelationship) int {
		if c := a.EstablishedAt.Compare(b.EstablishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DistributorID, b.DistributorID)
	})
	return out, nil
}

// ListPrincipalIDs returns every live principal.
func (s *Store) ListPrincipalIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0)
	for id, org := range s.organizations {
		if org.IsAggregatable() {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

// ListPrincipalsByDistributor returns the principals linked to a distributor.
func (s *Store) ListPrincipalsByDistributor(ctx context.Context, distributorID string) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0)
	for key := range s.relationships {
		if key.distributorID == distributorID {
			out = append(out, key.principalID)
		}
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}
