// Package aggregate computes principal snapshots from the source collaborators.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"example.com/principalanalytics/internal/domain"
)

const defaultTimelineRetention = 2000

// Builder reads current source rows for one principal and produces a new snapshot.
// It never writes; committing is the caller's job.
type Builder struct {
	sources   domain.SourceReader
	policy    ScoringPolicy
	retention int
	now       func() time.Time
	logger    *log.Logger
	tracer    trace.Tracer
}

// Option configures optional behaviour for the Builder.
type Option func(*Builder)

// WithLogger overrides the logger used to report dropped references.
func WithLogger(logger *log.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithPolicy overrides the engagement scoring policy.
func WithPolicy(policy ScoringPolicy) Option {
	return func(b *Builder) { b.policy = policy }
}

// WithTimelineRetention bounds the number of events kept per snapshot.
func WithTimelineRetention(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithClock overrides the build timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder constructs a Builder over the given sources.
func NewBuilder(sources domain.SourceReader, opts ...Option) *Builder {
	b := &Builder{
		sources:   sources,
		policy:    DefaultScoringPolicy(),
		retention: defaultTimelineRetention,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.New(log.Writer(), "[builder] ", log.LstdFlags|log.Lshortfile),
		tracer:    otel.Tracer("example.com/principalanalytics/internal/aggregate"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// sourceRows is the fan-in result of one build.
type sourceRows struct {
	interactions  []domain.Interaction
	opportunities []domain.Opportunity
	stageChanges  []domain.StageChange
	associations  []domain.ProductAssociation
	relationships []domain.DistributorRelationship
}

// Build computes the next snapshot for principalID with version previousVersion+1.
func (b *Builder) Build(ctx context.Context, principalID string, previousVersion uint64) (snap domain.Snapshot, err error) {
	ctx, span := b.tracer.Start(ctx, "aggregate.Build", trace.WithAttributes(attribute.String("principal.id", principalID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	org, err := b.sources.GetOrganization(ctx, principalID)
	if err != nil {
		return domain.Snapshot{}, classifySourceErr(ctx, "organization", err)
	}
	if org == nil || org.DeletedAt != nil || !org.IsPrincipal {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrPrincipalRetired, principalID)
	}
	if err := org.Validate(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %w", domain.ErrInconsistentReference, err)
	}

	rows, err := b.fetch(ctx, principalID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	dropped := 0
	interactions := b.validInteractions(principalID, rows.interactions, &dropped)
	opportunities := b.validOpportunities(principalID, rows.opportunities, &dropped)
	stageChanges := b.validStageChanges(principalID, rows.stageChanges, rows.opportunities, &dropped)
	associations := b.validAssociations(principalID, rows.associations, &dropped)
	relationships, err := b.validRelationships(ctx, principalID, rows.relationships, &dropped)
	if err != nil {
		return domain.Snapshot{}, err
	}

	builtAt := b.now()
	summary := b.summarize(*org, interactions, opportunities, associations, relationships, builtAt)

	streams := [][]domain.TimelineEvent{
		sortedStream(interactionEvents(principalID, interactions)),
		sortedStream(stageChangeEvents(principalID, stageChanges)),
		sortedStream(productEvents(principalID, associations)),
	}
	timeline := MergeRecent(streams, b.retention)

	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, classifySourceErr(ctx, "build", err)
	}

	span.SetAttributes(
		attribute.Int("timeline.events", len(timeline)),
		attribute.Int("references.dropped", dropped),
	)

	return domain.Snapshot{
		PrincipalID:       principalID,
		Version:           previousVersion + 1,
		BuiltAt:           builtAt,
		Summary:           summary,
		Timeline:          timeline,
		Products:          productPerformance(principalID, associations, opportunities),
		Distributors:      relationships,
		DroppedReferences: dropped,
	}, nil
}

// fetch reads the five per-principal sources concurrently.
func (b *Builder) fetch(ctx context.Context, principalID string) (sourceRows, error) {
	var rows sourceRows
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rows.interactions, err = b.sources.ListInteractions(gctx, principalID)
		return wrapSource(gctx, "interactions", err)
	})
	g.Go(func() (err error) {
		rows.opportunities, err = b.sources.ListOpportunities(gctx, principalID)
		return wrapSource(gctx, "opportunities", err)
	})
	g.Go(func() (err error) {
		rows.stageChanges, err = b.sources.ListStageChanges(gctx, principalID)
		return wrapSource(gctx, "stage changes", err)
	})
	g.Go(func() (err error) {
		rows.associations, err = b.sources.ListProductAssociations(gctx, principalID)
		return wrapSource(gctx, "product associations", err)
	})
	g.Go(func() (err error) {
		rows.relationships, err = b.sources.ListDistributorRelationships(gctx, principalID)
		return wrapSource(gctx, "distributor relationships", err)
	})
	if err := g.Wait(); err != nil {
		return sourceRows{}, err
	}
	return rows, nil
}

func (b *Builder) summarize(org domain.Organization, interactions []domain.Interaction, opportunities []domain.Opportunity, associations []domain.ProductAssociation, relationships []domain.DistributorRelationship, builtAt time.Time) domain.Summary {
	summary := domain.Summary{
		PrincipalID:        org.ID,
		PrincipalName:      org.Name,
		TotalOpportunities: len(opportunities),
		TotalInteractions:  len(interactions),
		DistributorCount:   len(relationships),
	}

	orgs := make(map[string]struct{})
	var probabilitySum float64
	for _, opp := range opportunities {
		switch {
		case opp.Active():
			summary.ActiveOpportunities++
			probabilitySum += opp.Probability
		case opp.Won():
			summary.WonOpportunities++
		case opp.Lost():
			summary.LostOpportunities++
		}
		if opp.OrganizationID != "" && opp.OrganizationID != org.ID {
			orgs[opp.OrganizationID] = struct{}{}
		}
	}
	if summary.ActiveOpportunities > 0 {
		avg := probabilitySum / float64(summary.ActiveOpportunities)
		summary.AverageActiveProbability = &avg
	}

	for _, it := range interactions {
		if summary.LastInteractionAt == nil || it.OccurredAt.After(*summary.LastInteractionAt) {
			ts := it.OccurredAt.UTC()
			summary.LastInteractionAt = &ts
		}
		if it.OrganizationID != "" && it.OrganizationID != org.ID {
			orgs[it.OrganizationID] = struct{}{}
		}
	}
	summary.DistinctOrganizations = len(orgs)

	for _, assoc := range associations {
		if assoc.Active() {
			summary.AvailableProducts++
		}
	}

	inputs := EngagementInputs{
		Interactions:   summary.TotalInteractions,
		ActiveProducts: summary.AvailableProducts,
	}
	if summary.LastInteractionAt != nil {
		age := builtAt.Sub(*summary.LastInteractionAt)
		inputs.SinceLastInteraction = &age
	}
	if closed := summary.WonOpportunities + summary.LostOpportunities; closed > 0 {
		inputs.WinRate = float64(summary.WonOpportunities) / float64(closed)
	}
	summary.EngagementScore = b.policy.Score(inputs)
	return summary
}

func (b *Builder) validInteractions(principalID string, rows []domain.Interaction, dropped *int) []domain.Interaction {
	out := make([]domain.Interaction, 0, len(rows))
	for _, it := range rows {
		if it.DeletedAt != nil {
			continue
		}
		if it.PrincipalID != principalID {
			b.drop(principalID, "interaction", it.ID, "references principal "+it.PrincipalID, dropped)
			continue
		}
		out = append(out, it)
	}
	return out
}

func (b *Builder) validOpportunities(principalID string, rows []domain.Opportunity, dropped *int) []domain.Opportunity {
	out := make([]domain.Opportunity, 0, len(rows))
	for _, opp := range rows {
		if opp.DeletedAt != nil {
			continue
		}
		if opp.PrincipalID != principalID {
			b.drop(principalID, "opportunity", opp.ID, "references principal "+opp.PrincipalID, dropped)
			continue
		}
		out = append(out, opp)
	}
	return out
}

// validStageChanges keeps transitions of live opportunities attributed to the principal.
// Transitions of soft-deleted opportunities are skipped silently.
func (b *Builder) validStageChanges(principalID string, rows []domain.StageChange, opportunities []domain.Opportunity, dropped *int) []domain.StageChange {
	deleted := make(map[string]bool, len(opportunities))
	for _, opp := range opportunities {
		if opp.PrincipalID == principalID {
			deleted[opp.ID] = opp.DeletedAt != nil
		}
	}
	out := make([]domain.StageChange, 0, len(rows))
	for _, sc := range rows {
		isDeleted, known := deleted[sc.OpportunityID]
		if isDeleted {
			continue
		}
		if !known || sc.PrincipalID != principalID {
			b.drop(principalID, "stage change", sc.ID, "opportunity "+sc.OpportunityID+" is not attributed to this principal", dropped)
			continue
		}
		out = append(out, sc)
	}
	return out
}

func (b *Builder) validAssociations(principalID string, rows []domain.ProductAssociation, dropped *int) []domain.ProductAssociation {
	out := make([]domain.ProductAssociation, 0, len(rows))
	for _, assoc := range rows {
		if assoc.PrincipalID != principalID || assoc.ProductID == "" {
			b.drop(principalID, "product association", assoc.ID, "bad principal or product reference", dropped)
			continue
		}
		out = append(out, assoc)
	}
	return out
}

// validRelationships checks both ends carry the correct organization flags.
func (b *Builder) validRelationships(ctx context.Context, principalID string, rows []domain.DistributorRelationship, dropped *int) ([]domain.DistributorRelationship, error) {
	out := make([]domain.DistributorRelationship, 0, len(rows))
	for _, rel := range rows {
		if rel.PrincipalID != principalID {
			b.drop(principalID, "distributor relationship", rel.DistributorID, "references principal "+rel.PrincipalID, dropped)
			continue
		}
		distributor, err := b.sources.GetOrganization(ctx, rel.DistributorID)
		if err != nil {
			return nil, classifySourceErr(ctx, "distributor organization", err)
		}
		if distributor == nil || !distributor.IsValidDistributor() {
			b.drop(principalID, "distributor relationship", rel.DistributorID, "distributor end is not a distributor", dropped)
			continue
		}
		if rel.DistributorName == "" {
			rel.DistributorName = distributor.Name
		}
		out = append(out, rel)
	}
	return out, nil
}

func (b *Builder) drop(principalID, kind, id, reason string, dropped *int) {
	*dropped++
	droppedReferences.WithLabelValues(kind).Inc()
	b.logger.Printf("%v: principal=%s %s=%s dropped: %s", domain.ErrInconsistentReference, principalID, kind, id, reason)
}

func interactionEvents(principalID string, rows []domain.Interaction) []domain.TimelineEvent {
	out := make([]domain.TimelineEvent, 0, len(rows))
	for _, it := range rows {
		desc := it.Type
		if it.Subject != "" {
			desc = it.Type + ": " + it.Subject
		}
		out = append(out, domain.NewTimelineEvent(principalID, domain.EventInteraction, it.OccurredAt, it.ID, desc))
	}
	return out
}

func stageChangeEvents(principalID string, rows []domain.StageChange) []domain.TimelineEvent {
	out := make([]domain.TimelineEvent, 0, len(rows))
	for _, sc := range rows {
		desc := fmt.Sprintf("opportunity %s moved %s -> %s", sc.OpportunityID, sc.FromStage, sc.ToStage)
		if sc.FromStage == "" {
			desc = fmt.Sprintf("opportunity %s opened in %s", sc.OpportunityID, sc.ToStage)
		}
		out = append(out, domain.NewTimelineEvent(principalID, domain.EventOpportunity, sc.ChangedAt, sc.ID, desc))
	}
	return out
}

// productEvents emits an "added" event per association and a "removed" event when it was removed.
func productEvents(principalID string, rows []domain.ProductAssociation) []domain.TimelineEvent {
	out := make([]domain.TimelineEvent, 0, len(rows))
	for _, assoc := range rows {
		name := assoc.ProductName
		if name == "" {
			name = assoc.ProductID
		}
		out = append(out, domain.NewTimelineEvent(principalID, domain.EventProduct, assoc.AddedAt, assoc.ID+"/added", "product "+name+" added"))
		if assoc.RemovedAt != nil {
			out = append(out, domain.NewTimelineEvent(principalID, domain.EventProduct, *assoc.RemovedAt, assoc.ID+"/removed", "product "+name+" removed"))
		}
	}
	return out
}

func wrapSource(ctx context.Context, what string, err error) error {
	if err == nil {
		return nil
	}
	return classifySourceErr(ctx, what, err)
}

// classifySourceErr maps deadline expiry to ErrBuildTimeout and everything else to ErrSourceUnavailable.
func classifySourceErr(ctx context.Context, what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: reading %s: %v", domain.ErrBuildTimeout, what, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: reading %s: %v", domain.ErrSourceUnavailable, what, err)
}
