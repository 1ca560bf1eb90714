package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters, exposed on /metrics.
// Labels are kept low-cardinality on purpose (no business/product ids).
var (
	AllocationPlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_plans_total",
		Help: "Allocation plans produced, by outcome (planned, insufficient, rejected).",
	}, []string{"outcome"})

	AllocationCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_commits_total",
		Help: "Allocation commits attempted, by result (committed, aborted).",
	}, []string{"result"})

	BatchDeductConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_deduct_conflicts_total",
		Help: "Optimistic version conflicts detected while deducting batches.",
	})
)
