package aggregate

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func scoreOf(ageHours int64, interactions int, winRate float64, products int) float64 {
	age := time.Duration(ageHours) * time.Hour
	return DefaultScoringPolicy().Score(EngagementInputs{
		SinceLastInteraction: &age,
		Interactions:         interactions,
		WinRate:              winRate,
		ActiveProducts:       products,
	})
}

func TestEngagementScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	ages := gen.Int64Range(0, 24*365*5)
	volumes := gen.IntRange(0, 5000)
	rates := gen.Float64Range(0, 1)
	products := gen.IntRange(0, 50)

	properties.Property("score stays within [0,100]", prop.ForAll(
		func(age int64, n int, rate float64, p int) bool {
			s := scoreOf(age, n, rate, p)
			return s >= 0 && s <= 100
		},
		ages, volumes, rates, products,
	))

	properties.Property("more recent interaction never lowers the score", prop.ForAll(
		func(age, delta int64, n int, rate float64, p int) bool {
			newer := age - delta
			if newer < 0 {
				newer = 0
			}
			return scoreOf(newer, n, rate, p) >= scoreOf(age, n, rate, p)
		},
		ages, gen.Int64Range(0, 24*365), volumes, rates, products,
	))

	properties.Property("more interactions never lower the score", prop.ForAll(
		func(age int64, n, delta int, rate float64, p int) bool {
			return scoreOf(age, n+delta, rate, p) >= scoreOf(age, n, rate, p)
		},
		ages, volumes, gen.IntRange(0, 500), rates, products,
	))

	properties.Property("higher win rate never lowers the score", prop.ForAll(
		func(age int64, n int, a, b float64, p int) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return scoreOf(age, n, hi, p) >= scoreOf(age, n, lo, p)
		},
		ages, volumes, rates, rates, products,
	))

	properties.Property("more active products never lower the score", prop.ForAll(
		func(age int64, n int, rate float64, p, delta int) bool {
			return scoreOf(age, n, rate, p+delta) >= scoreOf(age, n, rate, p)
		},
		ages, volumes, rates, products, gen.IntRange(0, 20),
	))

	properties.Property("never contacted scores no higher than contacted", prop.ForAll(
		func(age int64, n int, rate float64, p int) bool {
			never := DefaultScoringPolicy().Score(EngagementInputs{Interactions: n, WinRate: rate, ActiveProducts: p})
			return scoreOf(age, n, rate, p) >= never
		},
		ages, volumes, rates, products,
	))

	properties.TestingRun(t)
}

func TestTimelineMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	offsets := gen.SliceOf(gen.IntRange(0, 20))

	properties.Property("merge is idempotent and totally ordered", prop.ForAll(
		func(a, b, c []int) bool {
			streams := streamsFromOffsets(a, b, c)
			first := MergeRecent(streams, 0)
			second := MergeRecent(streamsFromOffsets(a, b, c), 0)
			if len(first) != len(a)+len(b)+len(c) || len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
				if i > 0 && compareDesc(first[i-1], first[i]) >= 0 {
					return false
				}
			}
			return true
		},
		offsets, offsets, offsets,
	))

	properties.Property("limited merge is a prefix of the full merge", prop.ForAll(
		func(a, b, c []int, limit int) bool {
			full := MergeRecent(streamsFromOffsets(a, b, c), 0)
			head := MergeRecent(streamsFromOffsets(a, b, c), limit)
			want := min(limit, len(full))
			if len(head) != want {
				return false
			}
			for i := range head {
				if head[i] != full[i] {
					return false
				}
			}
			return true
		},
		offsets, offsets, offsets, gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
