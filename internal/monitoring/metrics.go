package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the read/write/scheduled paths. Registered on the default
// registry and exposed by the /metrics endpoint in main.
var (
	ClusterCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hazard_cluster_cache_hits_total",
		Help: "Cluster queries answered from the cache.",
	})

	ClusterCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hazard_cluster_cache_misses_total",
		Help: "Cluster queries recomputed from the store.",
	})

	SpamReportsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hazard_spam_reports_flagged_total",
		Help: "Reports rejected by the spam heuristics.",
	})

	ScoreFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hazard_score_fallbacks_total",
		Help: "Confidence/trust computations that returned the neutral default after a store error.",
	})

	DecayRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hazard_decay_runs_total",
		Help: "Decay batch runs by outcome.",
	}, []string{"outcome"})

	DecayObstaclesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hazard_decay_obstacles_expired_total",
		Help: "Obstacles auto-expired by the decay scheduler.",
	})
)
