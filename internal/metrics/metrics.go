package metrics

import (
	"github.com/avolve/avolve-billing/pkg/entitlements"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProfilesByTier tracks the number of profiles on each tier. The unset
	// tier is reported as "none".
	ProfilesByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "profiles_by_tier",
		Help:      "Number of profiles by subscription tier.",
	}, []string{"tier"})

	// CheckoutSessionsTotal counts checkout session attempts by tier and outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Total checkout session attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	// BillingCustomersCreated counts customers created in Stripe.
	BillingCustomersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "customers_created_total",
		Help:      "Total billing customers created.",
	})

	// OrphanedCustomers counts billing customers created but left unlinked
	// because another request linked a different customer first, or the
	// link write failed.
	OrphanedCustomers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "orphaned_customers_total",
		Help:      "Billing customers created without a profile link.",
	})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// BillingEventsTotal counts reconciled subscription events by outcome.
	BillingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Reconciled billing events by outcome (applied/stale/duplicate/not_found/error).",
	}, []string{"outcome"})

	// GateDecisionsTotal counts feature gate decisions.
	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avolve",
		Subsystem: "billing",
		Name:      "gate_decisions_total",
		Help:      "Feature gate decisions by required level and result.",
	}, []string{"required", "result"})
)

// RecordTierCounts replaces the ProfilesByTier gauge values.
func RecordTierCounts(counts map[entitlements.Tier]int) {
	ProfilesByTier.Reset()
	for _, tier := range append([]entitlements.Tier{entitlements.TierNone}, entitlements.Tiers...) {
		ProfilesByTier.WithLabelValues(tier.String()).Set(float64(counts[tier]))
	}
}
