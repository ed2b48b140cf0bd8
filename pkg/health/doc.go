/*
Package health implements the Health Evaluator: a pure function
that turns a tracker scrape aggregate into a swarm health
classification.

	measurements := health.Evaluate(aggregate, health.Thresholds{
		WeakSeeders:    4,
		HealthySeeders: 10,
	})

Evaluate has no side effects and performs no I/O; it exists so the
classification logic (seederRatio, isComplete, isDead, isWeak,
isHealthy, healthScore) can be tested in isolation from the tracker
scrape itself (pkg/scrape).
*/
package health
