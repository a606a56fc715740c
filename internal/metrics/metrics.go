// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts identity transitions handled by the engine.
	// Labels: "anonymous", "authenticated"
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrition_session_transitions_total",
		Help: "Session identity transitions processed by the reconciliation engine",
	}, []string{"to"})

	// Merges counts login merges by outcome.
	// Labels: "merged", "inserted", "adopted", "failed"
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrition_login_merges_total",
		Help: "Login merges of the local cache into the remote store",
	}, []string{"result"})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nutrition_login_merge_duration_seconds",
		Help:    "Time spent merging local state on login",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	StaleSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nutrition_stale_snapshots_discarded_total",
		Help: "Snapshot deliveries dropped because their subscription was cancelled",
	})

	MealsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrition_meals_logged_total",
		Help: "Meals persisted, by session kind",
	}, []string{"session"})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrition_optimistic_rollbacks_total",
		Help: "Optimistic updates reverted after a failed write",
	}, []string{"entity"})

	ThresholdNotices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nutrition_threshold_notices_total",
		Help: "Daily calorie goal exceeded notices",
	})

	MalformedCacheEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nutrition_malformed_cache_entries_total",
		Help: "Local cache entries that failed to decode and were treated as absent",
	})
)

func SessionLabel(anonymous bool) string {
	if anonymous {
		return "anonymous"
	}
	return "authenticated"
}
