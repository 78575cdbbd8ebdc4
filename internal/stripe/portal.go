package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/avolve/avolve-billing/internal/auth"
	apperrors "github.com/avolve/avolve-billing/internal/errors"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/registry"
	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
)

// Portal creates Stripe billing-portal sessions so subscribers can manage
// payment methods, switch plans or cancel.
type Portal struct {
	store     registry.ProfileStore
	returnURL string

	createPortalSession func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
}

// NewPortal creates a portal orchestrator returning users to baseURL/account/billing.
func NewPortal(store registry.ProfileStore, baseURL string) *Portal {
	return &Portal{
		store:               store,
		returnURL:           strings.TrimRight(baseURL, "/") + "/account/billing",
		createPortalSession: portalsession.New,
	}
}

// CreateSession returns a billing-portal URL for user.
func (p *Portal) CreateSession(ctx context.Context, user *auth.User) (Session, error) {
	const op = "create_portal_session"
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return Session{}, apperrors.Unauthenticated(op, errors.New("no authenticated user"))
	}

	profile, err := p.store.Get(ctx, user.ID)
	if err != nil {
		return Session{}, apperrors.Upstream("load_profile", err)
	}
	if profile == nil || profile.BillingCustomerID == "" {
		return Session{}, apperrors.Validation(op, "no billing account yet; choose a plan first")
	}

	session, err := p.createPortalSession(&stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(profile.BillingCustomerID),
		ReturnURL: stripelib.String(p.returnURL),
	})
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).
			Str("user_id", user.ID).
			Str("customer_id", profile.BillingCustomerID).
			Msg("Stripe billing portal session creation failed")
		return Session{}, apperrors.Upstream(op, err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return Session{}, apperrors.Upstream(op, errors.New("stripe returned empty portal URL"))
	}
	return Session{ID: session.ID, RedirectURL: strings.TrimSpace(session.URL)}, nil
}
