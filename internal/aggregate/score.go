package aggregate

import (
	"errors"
	"math"
	"time"
)

// ScoringPolicy is the tunable weighting of the engagement score.
// Each component is normalised to [0,1] and weighted; the total is scaled to [0,100].
type ScoringPolicy struct {
	RecencyWeight     float64
	VolumeWeight      float64
	WinRateWeight     float64
	ProductWeight     float64
	RecencyHalfLife   time.Duration
	VolumeSaturation  int
	ProductSaturation int
}

// DefaultScoringPolicy weights recency 35, volume 25, win rate 25 and products 15.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		RecencyWeight:     35,
		VolumeWeight:      25,
		WinRateWeight:     25,
		ProductWeight:     15,
		RecencyHalfLife:   30 * 24 * time.Hour,
		VolumeSaturation:  50,
		ProductSaturation: 10,
	}
}

// Validate rejects policies that could break bounding or monotonicity.
func (p ScoringPolicy) Validate() error {
	if p.RecencyWeight < 0 || p.VolumeWeight < 0 || p.WinRateWeight < 0 || p.ProductWeight < 0 {
		return errors.New("scoring weights must be non-negative")
	}
	if p.totalWeight() <= 0 {
		return errors.New("scoring weights must not all be zero")
	}
	if p.RecencyHalfLife <= 0 {
		return errors.New("recency half-life must be positive")
	}
	if p.VolumeSaturation <= 0 || p.ProductSaturation <= 0 {
		return errors.New("saturation points must be positive")
	}
	return nil
}

// EngagementInputs are the raw signals feeding the score.
type EngagementInputs struct {
	// SinceLastInteraction is nil when the principal has never been contacted.
	SinceLastInteraction *time.Duration
	Interactions         int
	WinRate              float64
	ActiveProducts       int
}

// Score returns the engagement score in [0,100], rounded to two decimals.
func (p ScoringPolicy) Score(in EngagementInputs) float64 {
	total := p.totalWeight()
	if total <= 0 {
		return 0
	}

	weighted := p.RecencyWeight*p.recency(in.SinceLastInteraction) +
		p.VolumeWeight*p.volume(in.Interactions) +
		p.WinRateWeight*clamp01(in.WinRate) +
		p.ProductWeight*p.products(in.ActiveProducts)

	score := 100 * weighted / total
	if math.IsNaN(score) {
		return 0
	}
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*100) / 100
}

func (p ScoringPolicy) totalWeight() float64 {
	return p.RecencyWeight + p.VolumeWeight + p.WinRateWeight + p.ProductWeight
}

// recency decays exponentially with age; future timestamps count as "now".
func (p ScoringPolicy) recency(age *time.Duration) float64 {
	if age == nil || p.RecencyHalfLife <= 0 {
		return 0
	}
	a := *age
	if a < 0 {
		a = 0
	}
	return math.Exp(-math.Ln2 * a.Hours() / p.RecencyHalfLife.Hours())
}

// volume has logarithmic diminishing returns, capped at the saturation point.
func (p ScoringPolicy) volume(n int) float64 {
	if n <= 0 || p.VolumeSaturation <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(n))/math.Log1p(float64(p.VolumeSaturation)))
}

func (p ScoringPolicy) products(n int) float64 {
	if n <= 0 || p.ProductSaturation <= 0 {
		return 0
	}
	return math.Min(1, float64(n)/float64(p.ProductSaturation))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
