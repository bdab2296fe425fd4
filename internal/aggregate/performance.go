package aggregate

import (
	"math"
	"slices"
	"strings"

	"example.com/principalanalytics/internal/domain"
)

// Activity statuses of a principal-product pair.
const (
	ProductEngaged   = "engaged"
	ProductConverted = "converted"
	ProductDormant   = "dormant"
)

type opportunityTally struct {
	total, active, won int
}

// productPerformance derives one record per active association. Removed pairs and
// discontinued products are excluded rather than reported with zero counts.
func productPerformance(principalID string, associations []domain.ProductAssociation, opportunities []domain.Opportunity) []domain.ProductPerformance {
	tallies := make(map[string]*opportunityTally)
	for _, opp := range opportunities {
		if opp.ProductID == "" {
			continue
		}
		t := tallies[opp.ProductID]
		if t == nil {
			t = &opportunityTally{}
			tallies[opp.ProductID] = t
		}
		t.total++
		if opp.Active() {
			t.active++
		}
		if opp.Won() {
			t.won++
		}
	}

	seen := make(map[string]struct{}, len(associations))
	out := make([]domain.ProductPerformance, 0, len(associations))
	for _, assoc := range associations {
		if !assoc.Active() {
			continue
		}
		if _, dup := seen[assoc.ProductID]; dup {
			continue
		}
		seen[assoc.ProductID] = struct{}{}

		var t opportunityTally
		if found := tallies[assoc.ProductID]; found != nil {
			t = *found
		}
		out = append(out, domain.ProductPerformance{
			PrincipalID:         principalID,
			ProductID:           assoc.ProductID,
			ProductName:         assoc.ProductName,
			ContractStatus:      assoc.ContractStatus,
			ActivityStatus:      activityStatus(t),
			TotalOpportunities:  t.total,
			ActiveOpportunities: t.active,
			WonOpportunities:    t.won,
			PerformanceScore:    performanceScore(t),
			AssociatedAt:        assoc.AddedAt,
		})
	}

	slices.SortFunc(out, func(a, b domain.ProductPerformance) int {
		if a.PerformanceScore != b.PerformanceScore {
			if a.PerformanceScore > b.PerformanceScore {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}

func activityStatus(t opportunityTally) string {
	switch {
	case t.active > 0:
		return ProductEngaged
	case t.won > 0:
		return ProductConverted
	default:
		return ProductDormant
	}
}

// performanceScore blends win share, open pipeline and total volume into [0,100].
func performanceScore(t opportunityTally) float64 {
	if t.total == 0 {
		return 0
	}
	winShare := float64(t.won) / float64(t.total)
	pipeline := 1 - math.Exp(-float64(t.active)/3)
	volume := 1 - math.Exp(-float64(t.total)/5)
	score := 100 * (0.5*winShare + 0.3*pipeline + 0.2*volume)
	return math.Round(math.Max(0, math.Min(100, score))*100) / 100
}
