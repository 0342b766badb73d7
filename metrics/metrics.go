package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Namespace = "tenantindex"

	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "migrate",
		Name:      "migrations_total",
		Help:      "Counter of tenant migrations by result",
	}, []string{"result"})

	MigrationStepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "migrate",
		Name:      "step_duration_seconds",
		Help:      "Histogram of the time spent in each migration step",
		Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"step"})

	StaleIndices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "migrate",
		Name:      "stale_indices",
		Help:      "Number of tenant indices not on the target version at the last discovery",
	})

	TombstonesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "migrate",
		Name:      "tombstones_replayed_total",
		Help:      "Counter of deletes replayed onto a new index after backfill",
	})

	TenantsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "audit",
		Name:      "tenants",
		Help:      "Number of tenants seen by the last alias audit",
	})

	AliasInvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "resolver",
		Name:      "alias_invariant_violations_total",
		Help:      "Counter of alias lookups that resolved to an invalid number of indices",
	}, []string{"alias"})

	HealthWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "provision",
		Name:      "health_wait_seconds",
		Help:      "Histogram of the time spent waiting for a new index to leave red health",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	IndicesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "provision",
		Name:      "indices_created_total",
		Help:      "Counter of physical tenant indices created",
	})

	FanoutDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "fanout",
		Name:      "documents_total",
		Help:      "Counter of per-index document writes by action and result",
	}, []string{"action", "result"})

	FanoutTargets = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "fanout",
		Name:      "write_targets",
		Help:      "Histogram of the number of physical indices a write was fanned out to",
		Buckets:   []float64{1, 2, 3},
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "errors_total",
		Help:      "Counter of errors by source",
	}, []string{"source"})
)
