// Package observer translates source change notifications into per-principal refresh requests.
package observer

import (
	"context"
	"log"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/principalanalytics/internal/domain"
	"example.com/principalanalytics/internal/observability"
)

const defaultQueueSize = 1024

// Requester accepts refresh requests. Request must not block.
type Requester interface {
	Request(principalID string)
}

// DistributorIndex resolves which principals sit behind a distributor organization.
type DistributorIndex interface {
	ListPrincipalsByDistributor(ctx context.Context, distributorID string) ([]string, error)
}

// Observer forwards RefreshRequested signals for every principal affected by a change.
// Notify never blocks the caller; organization changes that need a lookup are resolved on a
// background worker started by Run.
type Observer struct {
	requester Requester
	index     DistributorIndex
	queue     chan domain.ChangeNotification
	logger    *log.Logger
}

// Option configures optional behaviour for the Observer.
type Option func(*Observer)

// WithLogger overrides the observer logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// WithQueueSize sets the capacity of the organization lookup queue.
func WithQueueSize(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.queue = make(chan domain.ChangeNotification, n)
		}
	}
}

// New constructs an Observer.
func New(requester Requester, index DistributorIndex, opts ...Option) *Observer {
	o := &Observer{
		requester: requester,
		index:     index,
		queue:     make(chan domain.ChangeNotification, defaultQueueSize),
		logger:    log.New(log.Writer(), "[observer] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Notify implements domain.ChangeListener.
func (o *Observer) Notify(n domain.ChangeNotification) {
	notificationsTotal.WithLabelValues(string(n.EntityType)).Inc()
	observability.RecordChangeObserved(n.OccurredAt)

	o.forward(n.PrincipalIDs)

	if n.EntityType != domain.EntityOrganization {
		if len(n.PrincipalIDs) == 0 {
			unresolvedTotal.WithLabelValues(string(n.EntityType)).Inc()
			o.logger.Printf("change %s/%s carries no principal reference; ignored", n.EntityType, n.EntityID)
		}
		return
	}

	// The organization may itself be a principal (flag or soft-delete change) or a distributor
	// whose linked principals must be rebuilt.
	o.forward([]string{n.EntityID})
	select {
	case o.queue <- n:
	default:
		droppedTotal.Inc()
		o.logger.Printf("lookup queue full; distributor fan-out for organization %s dropped", n.EntityID)
	}
}

// Run resolves queued organization changes until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-o.queue:
			o.resolveOrganization(ctx, n)
		}
	}
}

func (o *Observer) resolveOrganization(ctx context.Context, n domain.ChangeNotification) {
	if o.index == nil {
		return
	}
	principals, err := o.index.ListPrincipalsByDistributor(ctx, n.EntityID)
	if err != nil {
		o.logger.Printf("resolve principals for organization %s: %v", n.EntityID, err)
		return
	}
	o.forward(principals)
}

func (o *Observer) forward(ids []string) {
	seen := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(seen, id) {
			continue
		}
		seen = append(seen, id)
		o.requester.Request(id)
		forwardedTotal.Inc()
	}
}

var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "observer",
		Name:      "notifications_total",
		Help:      "Change notifications received by entity type.",
	}, []string{"entity_type"})
	unresolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "observer",
		Name:      "unresolved_notifications_total",
		Help:      "Change notifications that did not resolve to any principal.",
	}, []string{"entity_type"})
	forwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "observer",
		Name:      "refresh_requests_forwarded_total",
		Help:      "RefreshRequested signals forwarded to the scheduler.",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "observer",
		Name:      "lookups_dropped_total",
		Help:      "Organization fan-out lookups dropped because the queue was full.",
	})
)

func init() {
	prometheus.MustRegister(notificationsTotal, unresolvedTotal, forwardedTotal, droppedTotal)
}
