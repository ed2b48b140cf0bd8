package health

import "github.com/cuemby/pipeline/pkg/types"

// Thresholds are the configuration inputs to Evaluate. Weak and
// Healthy are seeder counts; everything below Weak with at least one
// seeder is weak, everything at or above Healthy is healthy.
type Thresholds struct {
	WeakSeeders    int
	HealthySeeders int
}

// Evaluate turns a tracker scrape aggregate into a health classification.
// It is a pure function with no side effects: consecutive-failure
// counting (the old Status.Update idiom this package used to track) has
// no place here since a scrape result carries its own counts rather
// than a pass/fail outcome to accumulate across checks.
func Evaluate(agg types.ScrapeAggregate, t Thresholds) types.HealthMeasurements {
	m := types.HealthMeasurements{
		IsComplete: agg.Completed > 0,
		IsDead:     agg.Seeders == 0 && agg.Leechers == 0,
	}

	denominator := agg.Leechers
	if denominator < 1 {
		denominator = 1
	}
	m.SeederRatio = float64(agg.Seeders) / float64(denominator)

	m.IsWeak = agg.Seeders > 0 && agg.Seeders < t.WeakSeeders
	m.IsHealthy = agg.Seeders >= t.HealthySeeders

	m.HealthScore = healthScore(agg, t)
	return m
}

// healthScore is a bounded monotonic combiner of seeders, leechers and
// completed count into [0, 100]. Seeders dominate the score since they
// determine whether the swarm can actually serve the download; leechers
// and completions contribute smaller, saturating bonuses.
func healthScore(agg types.ScrapeAggregate, t Thresholds) int {
	if agg.Seeders == 0 {
		return 0
	}

	healthy := t.HealthySeeders
	if healthy < 1 {
		healthy = 1
	}

	seederScore := 70 * agg.Seeders / healthy
	if seederScore > 70 {
		seederScore = 70
	}

	leecherScore := agg.Leechers
	if leecherScore > 15 {
		leecherScore = 15
	}

	completedScore := agg.Completed
	if completedScore > 15 {
		completedScore = 15
	}

	score := seederScore + leecherScore + completedScore
	if score > 100 {
		score = 100
	}
	return score
}
