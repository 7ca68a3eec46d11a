// Package metrics holds the Prometheus collectors shared by the control
// plane, exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of subscriptions in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions by lifecycle status.",
	}, []string{"status"})

	// ProvisioningTotal counts provisioning steps by outcome.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "provisioning_total",
		Help:      "Provisioning steps by step and outcome.",
	}, []string{"step", "outcome"})

	// JobsTotal counts finished job runs.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "jobs_total",
		Help:      "Job runs by kind and outcome (success, retry, failed).",
	}, []string{"kind", "outcome"})

	// JobDuration tracks job run latency.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "job_duration_seconds",
		Help:      "Job run duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 300, 600},
	}, []string{"kind"})

	// ReconcilePassTotal counts per-subscription results of each reconciler pass.
	ReconcilePassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "reconcile_pass_total",
		Help:      "Reconciler pass results by pass and outcome.",
	}, []string{"pass", "outcome"})

	// ReconcileDuration tracks the duration of a full reconciler run.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "reconcile_duration_seconds",
		Help:      "Full reconciler run duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ChargesTotal counts payment gateway charges.
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "charges_total",
		Help:      "Payment charges by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	// DropsTotal counts site deletions.
	DropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Subsystem: "cp",
		Name:      "site_drops_total",
		Help:      "Tenant site deletions by outcome.",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rokct",
		Name:      "http_requests_total",
		Help:      "HTTP requests by endpoint and status code.",
	}, []string{"endpoint", "status"})
)

// Outcome labels shared by the counters above.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)
