package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/avolve/avolve-billing/pkg/entitlements"
	stripelib "github.com/stripe/stripe-go/v82"
)

// BillingEventKind is the subscription lifecycle step an event reports.
type BillingEventKind string

const (
	KindSubscriptionCreated   BillingEventKind = "subscription_created"
	KindSubscriptionUpdated   BillingEventKind = "subscription_updated"
	KindSubscriptionCancelled BillingEventKind = "subscription_cancelled"
)

// Precedence ranks kinds by lifecycle order so events stamped in the same
// second resolve deterministically.
func (k BillingEventKind) Precedence() int {
	switch k {
	case KindSubscriptionCreated:
		return 1
	case KindSubscriptionUpdated:
		return 2
	case KindSubscriptionCancelled:
		return 3
	default:
		return 0
	}
}

// BillingEvent is a verified subscription notification reduced to the
// fields reconciliation needs. Sequence is the provider's event creation
// time and orders events for one customer.
type BillingEvent struct {
	ID             string
	Kind           BillingEventKind
	CustomerID     string
	SubscriptionID string
	Tier           entitlements.Tier
	Status         string
	Sequence       int64
}

var (
	errMalformedEvent = errors.New("malformed event payload")
	errUnmappedTier   = errors.New("subscription tier could not be determined")
)

var subscriptionEventKinds = map[stripelib.EventType]BillingEventKind{
	"customer.subscription.created": KindSubscriptionCreated,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"customer.subscription.paused":  KindSubscriptionUpdated,
	"customer.subscription.resumed": KindSubscriptionUpdated,
	"customer.subscription.deleted": KindSubscriptionCancelled,
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the internal user the session was created for.
func (s *CheckoutSession) UserID() string {
	if id := strings.TrimSpace(s.Metadata[MetadataUserID]); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// DecodeSubscriptionEvent converts a verified Stripe event into a
// BillingEvent. ok is false for event types that carry no tier change.
func DecodeSubscriptionEvent(event *stripelib.Event, prices entitlements.PriceTable) (ev BillingEvent, ok bool, err error) {
	kind, ok := subscriptionEventKinds[event.Type]
	if !ok {
		return BillingEvent{}, false, nil
	}
	if event.Data == nil {
		return BillingEvent{}, true, fmt.Errorf("%w: %s has no data", errMalformedEvent, event.Type)
	}

	var sub Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return BillingEvent{}, true, fmt.Errorf("%w: decode subscription: %v", errMalformedEvent, err)
	}
	customerID := strings.TrimSpace(sub.Customer)
	if !IsSafeStripeID(customerID) {
		return BillingEvent{}, true, fmt.Errorf("%w: invalid customer id %q", errMalformedEvent, customerID)
	}

	ev = BillingEvent{
		ID:             event.ID,
		Kind:           kind,
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Sequence:       event.Created,
	}

	if kind == KindSubscriptionCancelled || !entitlements.SubscriptionGrantsTier(sub.Status) {
		ev.Tier = entitlements.TierNone
		return ev, true, nil
	}

	tier, err := deriveTier(&sub, prices)
	if err != nil {
		return ev, true, err
	}
	ev.Tier = tier
	return ev, true, nil
}

// deriveTier maps the subscription's price back to a tier, falling back to
// the tier recorded in metadata at checkout.
func deriveTier(sub *Subscription, prices entitlements.PriceTable) (entitlements.Tier, error) {
	priceID := sub.FirstPriceID()
	if tier, _, ok := prices.Lookup(priceID); ok {
		return tier, nil
	}
	if tier, ok := entitlements.ParseTier(sub.Metadata[MetadataTier]); ok && tier.Purchasable() {
		return tier, nil
	}
	return entitlements.TierNone, fmt.Errorf("%w: price %q", errUnmappedTier, priceID)
}
