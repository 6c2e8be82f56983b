// Package metrics registers the Prometheus instruments for the approval engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsCreated counts approval requests created, by entity type.
	RequestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "requests_created_total",
		Help:      "Approval requests created.",
	}, []string{"entity_type"})

	// RequestsResolved counts terminal resolutions, by final status.
	RequestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "requests_resolved_total",
		Help:      "Approval requests reaching a terminal status.",
	}, []string{"status"})

	// Decisions counts individual approver decisions, by verdict.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "decisions_total",
		Help:      "Approver decisions recorded.",
	}, []string{"verdict"})

	// SweepRuns counts scheduler sweeps.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "scheduler_sweeps_total",
		Help:      "Expiration scheduler sweep runs.",
	})

	// SweepActions counts expiration actions applied, by action.
	SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "scheduler_actions_total",
		Help:      "Expiration actions applied by the scheduler.",
	}, []string{"action"})

	// LockConflicts counts optimistic-lock retries that surfaced to callers.
	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hr_approvals",
		Name:      "lock_conflicts_total",
		Help:      "Concurrent modification conflicts surfaced after retries.",
	})
)
