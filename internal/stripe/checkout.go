package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/avolve/avolve-billing/internal/auth"
	apperrors "github.com/avolve/avolve-billing/internal/errors"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/metrics"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/avolve/avolve-billing/pkg/entitlements"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
)

// Metadata keys written to Stripe objects and read back from webhooks.
const (
	MetadataUserID   = "user_id"
	MetadataTier     = "tier"
	MetadataInterval = "interval"
)

// Checkout creates Stripe checkout sessions for subscription purchases.
type Checkout struct {
	store   registry.ProfileStore
	prices  entitlements.PriceTable
	baseURL string

	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckout creates a checkout orchestrator. prices is read-only after
// construction.
func NewCheckout(store registry.ProfileStore, prices entitlements.PriceTable, baseURL string) *Checkout {
	return &Checkout{
		store:                 store,
		prices:                prices,
		baseURL:               strings.TrimRight(baseURL, "/"),
		createCustomer:        customer.New,
		createCheckoutSession: stripesession.New,
	}
}

// CreateSession starts a subscription checkout for user on (rawTier,
// rawInterval) and returns the hosted checkout URL.
//
// Stripe calls are not bound to ctx: once issued they run to completion so
// a disconnecting client cannot leave a half-linked customer.
func (c *Checkout) CreateSession(ctx context.Context, user *auth.User, rawTier, rawInterval string) (Session, error) {
	const op = "create_checkout_session"
	logger := logging.FromContext(ctx)

	if user == nil || strings.TrimSpace(user.ID) == "" {
		return Session{}, apperrors.Unauthenticated(op, errors.New("no authenticated user"))
	}

	tier, interval, err := parsePurchase(rawTier, rawInterval)
	if err != nil {
		return Session{}, err
	}
	outcome := "error"
	defer func() {
		metrics.CheckoutSessionsTotal.WithLabelValues(string(tier), outcome).Inc()
	}()

	priceID, err := c.prices.Resolve(tier, interval)
	if err != nil {
		outcome = "config_error"
		logger.Error().Err(err).Str("tier", string(tier)).Str("interval", string(interval)).
			Msg("Checkout requested for unpriced tier")
		return Session{}, apperrors.Configuration("resolve_price", err)
	}

	profile, err := c.store.Get(ctx, user.ID)
	if err != nil {
		return Session{}, apperrors.Upstream("load_profile", err)
	}
	if profile == nil {
		outcome = "no_profile"
		return Session{}, apperrors.NotFound(op, "no profile for user %s", user.ID)
	}
	if profile.Tier.Purchasable() {
		outcome = "already_subscribed"
		return Session{}, apperrors.Validation(op,
			"already subscribed to %s; change or cancel the plan from /billing/portal", profile.Tier)
	}

	customerID, err := c.ensureCustomer(ctx, profile, user)
	if err != nil {
		return Session{}, err
	}

	meta := map[string]string{
		MetadataUserID:   user.ID,
		MetadataTier:     string(tier),
		MetadataInterval: string(interval),
	}
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:          stripelib.String(customerID),
		ClientReferenceID: stripelib.String(user.ID),
		SuccessURL:        stripelib.String(c.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripelib.String(c.baseURL + "/pricing?" + url.Values{"cancelled": {"1"}, "tier": {string(tier)}}.Encode()),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
		Metadata: meta,
	}

	session, err := c.createCheckoutSession(params)
	if err != nil {
		logger.Error().Err(err).Str("user_id", user.ID).Str("customer_id", customerID).
			Msg("Stripe checkout session creation failed")
		return Session{}, classifyStripeError(op, err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return Session{}, apperrors.Upstream(op, errors.New("stripe returned empty checkout URL"))
	}

	outcome = "created"
	logger.Info().
		Str("user_id", user.ID).
		Str("customer_id", customerID).
		Str("session_id", session.ID).
		Str("tier", string(tier)).
		Str("interval", string(interval)).
		Msg("Checkout session created")
	return Session{ID: session.ID, RedirectURL: strings.TrimSpace(session.URL)}, nil
}

// ensureCustomer returns the profile's billing customer, creating and
// linking one on first checkout.
func (c *Checkout) ensureCustomer(ctx context.Context, profile *registry.Profile, user *auth.User) (string, error) {
	if profile.BillingCustomerID != "" {
		return profile.BillingCustomerID, nil
	}
	logger := logging.FromContext(ctx)

	email := profile.Email
	if email == "" {
		email = user.Email
	}
	params := &stripelib.CustomerParams{}
	if email != "" {
		params.Email = stripelib.String(email)
	}
	params.AddMetadata(MetadataUserID, profile.ID)
	// Concurrent first checkouts for one user collapse onto one customer
	// while Stripe remembers the key.
	params.SetIdempotencyKey("avolve-customer-" + profile.ID)

	cust, err := c.createCustomer(params)
	if err != nil {
		logger.Error().Err(err).Str("user_id", profile.ID).Msg("Stripe customer creation failed")
		return "", classifyStripeError("create_customer", err)
	}
	if cust == nil || strings.TrimSpace(cust.ID) == "" {
		return "", apperrors.Upstream("create_customer", errors.New("stripe returned empty customer id"))
	}
	metrics.BillingCustomersCreated.Inc()

	linked, err := c.store.LinkBillingCustomer(ctx, profile.ID, cust.ID)
	if err != nil {
		metrics.OrphanedCustomers.Inc()
		logger.Error().Err(err).
			Str("user_id", profile.ID).
			Str("customer_id", cust.ID).
			Msg("Billing customer created but profile link failed; checkout.session.completed will relink")
		return "", apperrors.Upstream("link_customer", err)
	}
	if linked == "" {
		// Another writer linked between our update and read; take theirs.
		fresh, err := c.store.Get(ctx, profile.ID)
		if err != nil || fresh == nil || fresh.BillingCustomerID == "" {
			return "", apperrors.Upstream("link_customer", fmt.Errorf("billing customer link for %s unresolved: %v", profile.ID, err))
		}
		linked = fresh.BillingCustomerID
	}
	if linked != cust.ID {
		metrics.OrphanedCustomers.Inc()
		logger.Warn().
			Str("user_id", profile.ID).
			Str("orphaned_customer_id", cust.ID).
			Str("linked_customer_id", linked).
			Msg("Concurrent checkout linked a different billing customer; orphan needs manual cleanup")
	} else {
		logger.Info().Str("user_id", profile.ID).Str("customer_id", cust.ID).Msg("Billing customer linked")
	}
	return linked, nil
}

func parsePurchase(rawTier, rawInterval string) (entitlements.Tier, entitlements.Interval, error) {
	const op = "parse_checkout_request"
	if strings.TrimSpace(rawTier) == "" {
		return "", "", apperrors.Validation(op, "tier is required")
	}
	if strings.TrimSpace(rawInterval) == "" {
		return "", "", apperrors.Validation(op, "interval is required")
	}
	tier, ok := entitlements.ParseTier(rawTier)
	if !ok || !tier.Purchasable() {
		return "", "", apperrors.Validation(op, "tier %q is not a purchasable plan", rawTier)
	}
	interval, ok := entitlements.ParseInterval(rawInterval)
	if !ok {
		return "", "", apperrors.Validation(op, "interval must be month or year")
	}
	return tier, interval, nil
}
