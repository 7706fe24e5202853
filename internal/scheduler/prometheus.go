package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymancer_runs_enqueued_total",
		Help: "Total scheduled runs materialized by this worker",
	})

	runsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymancer_runs_claimed_total",
		Help: "Total runs claimed by this worker",
	})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymancer_runs_completed_total",
		Help: "Total runs finished by this worker, by outcome",
	}, []string{"outcome"})

	staleReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymancer_stale_claims_reclaimed_total",
		Help: "Total stale claims returned to pending",
	})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymancer_claim_duration_seconds",
		Help:    "Time taken to claim a batch from the store",
		Buckets: prometheus.DefBuckets,
	})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polymancer_run_duration_seconds",
		Help:    "Time taken to execute one run's decision cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"run_type"})

	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymancer_queue_wait_seconds",
		Help:    "Time between a run's due time and its claim",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
