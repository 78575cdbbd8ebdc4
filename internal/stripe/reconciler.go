package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/metrics"
	"github.com/avolve/avolve-billing/internal/registry"
)

// TierNotifier is told about every applied tier change.
type TierNotifier interface {
	NotifyTierChange(ctx context.Context, result registry.ApplyResult)
}

// Reconciler keeps persisted tiers in line with Stripe subscription events.
type Reconciler struct {
	store    registry.ProfileStore
	notifier TierNotifier
}

// NewReconciler creates a reconciler. notifier may be nil.
func NewReconciler(store registry.ProfileStore, notifier TierNotifier) *Reconciler {
	return &Reconciler{store: store, notifier: notifier}
}

// OnBillingEvent applies ev to the profile that owns its customer.
//
// Unknown customers, stale events and redeliveries are logged and dropped.
// Only a persistence failure is returned, so the provider redelivers.
func (r *Reconciler) OnBillingEvent(ctx context.Context, ev BillingEvent) error {
	logger := logging.FromContext(ctx).With().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("customer_id", ev.CustomerID).
		Str("subscription_id", ev.SubscriptionID).
		Str("status", ev.Status).
		Int64("sequence", ev.Sequence).
		Logger()

	result, err := r.store.ApplyTierEvent(ctx, registry.TierEvent{
		ID:             ev.ID,
		CustomerID:     ev.CustomerID,
		SubscriptionID: ev.SubscriptionID,
		Tier:           ev.Tier,
		Sequence:       ev.Sequence,
		Precedence:     ev.Kind.Precedence(),
	})
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("apply billing event %s: %w", ev.ID, err)
	}
	metrics.BillingEventsTotal.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case registry.OutcomeNotFound:
		logger.Warn().Msg("Billing event for unknown customer dropped")
	case registry.OutcomeStale:
		logger.Info().Str("user_id", result.ProfileID).Msg("Stale billing event ignored")
	case registry.OutcomeSuperseded:
		logger.Info().Str("user_id", result.ProfileID).Msg("Cancellation of a replaced subscription ignored")
	case registry.OutcomeDuplicate:
		logger.Debug().Str("user_id", result.ProfileID).Msg("Duplicate billing event ignored")
	case registry.OutcomeApplied:
		logger.Info().
			Str("user_id", result.ProfileID).
			Str("previous_tier", result.PreviousTier.String()).
			Str("tier", result.Tier.String()).
			Msg("Subscription tier reconciled")
		if result.Changed() && r.notifier != nil {
			r.notifier.NotifyTierChange(ctx, result)
		}
	}
	return nil
}

// OnCheckoutCompleted links the session's customer to its user when the
// profile has no customer yet. This recovers a link write that failed
// after the customer was created.
func (r *Reconciler) OnCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	logger := logging.FromContext(ctx).With().
		Str("session_id", session.ID).
		Str("customer_id", session.Customer).
		Logger()

	customerID := strings.TrimSpace(session.Customer)
	userID := session.UserID()
	if customerID == "" || userID == "" {
		logger.Warn().Msg("Checkout completion without customer or user reference ignored")
		return nil
	}

	profile, err := r.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", userID, err)
	}
	if profile == nil {
		logger.Warn().Str("user_id", userID).Msg("Checkout completed for unknown user")
		return nil
	}
	if profile.BillingCustomerID == customerID {
		return nil
	}

	linked, err := r.store.LinkBillingCustomer(ctx, userID, customerID)
	if errors.Is(err, registry.ErrCustomerInUse) {
		metrics.OrphanedCustomers.Inc()
		logger.Warn().
			Str("user_id", userID).
			Msg("Checkout completed on a customer linked to another user; needs manual reconciliation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("link billing customer for %s: %w", userID, err)
	}
	if linked != customerID {
		metrics.OrphanedCustomers.Inc()
		logger.Warn().
			Str("user_id", userID).
			Str("linked_customer_id", linked).
			Msg("Checkout completed on a customer other than the linked one; needs manual reconciliation")
		return nil
	}
	logger.Info().Str("user_id", userID).Msg("Billing customer linked from checkout completion")
	return nil
}
