package registry

import (
	"context"
	"errors"
	"time"

	"github.com/avolve/avolve-billing/pkg/entitlements"
)

var (
	// ErrProfileNotFound is returned by writes that target a missing profile.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrCustomerInUse is returned when a billing customer is already linked
	// to a different profile.
	ErrCustomerInUse = errors.New("billing customer linked to another profile")
	// ErrProfileExists is returned by Create when the profile id is taken.
	ErrProfileExists = errors.New("profile already exists")
)

// Profile is a user's billing-relevant profile record.
type Profile struct {
	ID                string            `json:"id"`
	Email             string            `json:"email"`
	Tier              entitlements.Tier `json:"tier"`
	BillingCustomerID string            `json:"billing_customer_id"`
	TierEventID       string            `json:"tier_event_id,omitempty"`
	TierEventSeq      int64             `json:"tier_event_seq"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TierEvent is one billing-provider notification that sets a customer's tier.
type TierEvent struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Tier           entitlements.Tier
	Sequence       int64
	// Precedence orders events that share a Sequence; the higher one wins.
	Precedence int
}

// appliedEvent is the ordering state stored alongside a profile's tier.
type appliedEvent struct {
	ID             string
	SubscriptionID string
	Sequence       int64
	Precedence     int
}

// ApplyOutcome describes what ApplyTierEvent did with an event.
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeStale     ApplyOutcome = "stale"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeNotFound  ApplyOutcome = "not_found"

	// OutcomeSuperseded marks a revocation for a subscription the profile
	// has since replaced.
	OutcomeSuperseded ApplyOutcome = "superseded"
)

// ApplyResult reports the outcome of ApplyTierEvent.
type ApplyResult struct {
	Outcome      ApplyOutcome
	ProfileID    string
	Email        string
	PreviousTier entitlements.Tier
	Tier         entitlements.Tier
}

// Changed reports whether the applied event moved the profile to a new tier.
func (r ApplyResult) Changed() bool {
	return r.Outcome == OutcomeApplied && r.PreviousTier != r.Tier
}

// ProfileStore persists user profiles. Implementations must make
// LinkBillingCustomer and ApplyTierEvent atomic per row.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*Profile, error)
	GetByBillingCustomerID(ctx context.Context, customerID string) (*Profile, error)
	Create(ctx context.Context, p *Profile) error
	// LinkBillingCustomer sets the profile's billing customer only when none
	// is set. It returns the customer id now linked, which differs from
	// customerID when another writer won.
	LinkBillingCustomer(ctx context.Context, profileID, customerID string) (string, error)
	ApplyTierEvent(ctx context.Context, ev TierEvent) (ApplyResult, error)
	CountByTier(ctx context.Context) (map[entitlements.Tier]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// decideTierEvent is the ordering guard shared by every backend. Redelivery
// of the last applied event is a duplicate and an older event is stale. On
// equal sequences the lower precedence loses, and equal precedence lets the
// later delivery win. A revocation naming a subscription other than the
// current one is superseded.
func decideTierEvent(last appliedEvent, ev TierEvent) ApplyOutcome {
	if ev.ID != "" && ev.ID == last.ID {
		return OutcomeDuplicate
	}
	if ev.Sequence < last.Sequence {
		return OutcomeStale
	}
	if ev.Sequence == last.Sequence && ev.Precedence < last.Precedence {
		return OutcomeStale
	}
	if ev.Tier == entitlements.TierNone && ev.SubscriptionID != "" &&
		last.SubscriptionID != "" && ev.SubscriptionID != last.SubscriptionID {
		return OutcomeSuperseded
	}
	return OutcomeApplied
}

// nextSubscription is the subscription id to store once ev applies.
func nextSubscription(last appliedEvent, ev TierEvent) string {
	if ev.SubscriptionID != "" {
		return ev.SubscriptionID
	}
	return last.SubscriptionID
}
