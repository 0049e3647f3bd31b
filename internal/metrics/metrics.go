// Package metrics exposes prometheus collectors for the entitlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts vendor notifications by type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlement",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total vendor notification requests by notification type and HTTP status.",
	}, []string{"notification_type", "status"})

	// WebhookDuration tracks notification processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlement",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Vendor notification processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"notification_type"})

	// LedgerApplies counts ledger upserts by outcome (applied/duplicate).
	LedgerApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlement",
		Subsystem: "ledger",
		Name:      "applies_total",
		Help:      "Ledger upserts by outcome.",
	}, []string{"outcome"})

	// SummaryReads counts summary lookups by result.
	SummaryReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlement",
		Subsystem: "summary",
		Name:      "reads_total",
		Help:      "Summary lookups by result (found/absent/error).",
	}, []string{"result"})
)
