package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleargate_decisions_total",
			Help: "Governance decisions by result",
		},
		[]string{"result"},
	)

	DecideDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cleargate_decide_duration_seconds",
			Help:    "Latency of decision evaluations",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleargate_approval_transitions_total",
			Help: "Approval state transitions by target status",
		},
		[]string{"status"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cleargate_audit_write_failures_total",
			Help: "Audit entries dropped after retry exhaustion",
		},
	)

	PolicyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleargate_policy_reloads_total",
			Help: "Policy reload attempts by outcome",
		},
		[]string{"outcome"},
	)
)
