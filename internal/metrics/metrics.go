// Package metrics registers the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchemaCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_schema_cache_lookups_total",
		Help: "Schema registry lookups by result (hit, miss)",
	}, []string{"result"})

	PlanCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_plan_cache_lookups_total",
		Help: "Compiled plan cache lookups by result (hit, miss)",
	}, []string{"result"})

	ResultCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_result_cache_lookups_total",
		Help: "Widget result cache lookups by result (hit, miss, stale)",
	}, []string{"result"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowforge_query_duration_seconds",
		Help:    "Query executor latency by data source (raw, rollup, mixed)",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"source"})

	QueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_query_errors_total",
		Help: "Query executor failures by error kind",
	}, []string{"kind"})

	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_events_ingested_total",
		Help: "Raw events newly stored by the rollup maintainer",
	})

	SeqRegressions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_ingestion_seq_regressions_total",
		Help: "Events whose ingestion sequence went backwards within a series",
	})

	RecomputeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowforge_rollup_recompute_jobs_total",
		Help: "Rollup bucket recompute jobs by outcome (ok, error)",
	}, []string{"outcome"})

	DirtyBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowforge_rollup_dirty_buckets",
		Help: "Buckets waiting for recompute",
	})

	NotifierDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowforge_notifier_dropped_total",
		Help: "Refresh events dropped because a subscriber was behind",
	})

	NotifierSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowforge_notifier_subscribers",
		Help: "Live widget subscriptions",
	})
)
