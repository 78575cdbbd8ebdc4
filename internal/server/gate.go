package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/avolve/avolve-billing/internal/auth"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/metrics"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/avolve/avolve-billing/pkg/entitlements"
)

// Gate enforces minimum feature levels on authenticated routes.
type Gate struct {
	store      registry.ProfileStore
	pricingURL string
}

// NewGate creates a gate that sends denied browsers to pricingURL.
func NewGate(store registry.ProfileStore, pricingURL string) *Gate {
	return &Gate{store: store, pricingURL: pricingURL}
}

type upgradeRequiredResponse struct {
	Error      string                    `json:"error"`
	Current    entitlements.FeatureLevel `json:"current"`
	Required   entitlements.FeatureLevel `json:"required"`
	UpgradeURL string                    `json:"upgrade_url"`
}

// RequireLevel wraps next so only users at or above required reach it.
// It must run after auth.Verifier.Middleware.
func (g *Gate) RequireLevel(required entitlements.FeatureLevel, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Check(w, r, required) {
			next.ServeHTTP(w, r)
		}
	})
}

// Check evaluates the current user against required. On deny it writes the
// response and returns false. The tier is read from the store on every call
// so a reconciled change is visible on the next request.
func (g *Gate) Check(w http.ResponseWriter, r *http.Request, required entitlements.FeatureLevel) bool {
	logger := logging.FromContext(r.Context())

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return false
	}

	tier, err := g.currentTier(r, user)
	if err != nil {
		logger.Error().Err(err).Str("user_id", user.ID).Msg("Feature gate could not load profile")
		metrics.GateDecisionsTotal.WithLabelValues(string(required), "error").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return false
	}

	decision := entitlements.CheckAccess(tier, required)
	if decision.Allowed {
		metrics.GateDecisionsTotal.WithLabelValues(string(required), "allow").Inc()
		return true
	}
	metrics.GateDecisionsTotal.WithLabelValues(string(required), "deny").Inc()
	logger.Debug().
		Str("user_id", user.ID).
		Str("current", string(decision.Current)).
		Str("required", string(required)).
		Msg("Feature gate denied request")

	upgradeURL := g.upgradeURL(required)
	if wantsHTML(r) {
		http.Redirect(w, r, upgradeURL, http.StatusSeeOther)
		return false
	}
	writeJSON(w, http.StatusForbidden, upgradeRequiredResponse{
		Error:      "upgrade_required",
		Current:    decision.Current,
		Required:   required,
		UpgradeURL: upgradeURL,
	})
	return false
}

// currentTier treats a user with no profile row as unsubscribed.
func (g *Gate) currentTier(r *http.Request, user *auth.User) (entitlements.Tier, error) {
	profile, err := g.store.Get(r.Context(), user.ID)
	if err != nil {
		return entitlements.TierNone, err
	}
	if profile == nil {
		return entitlements.TierNone, nil
	}
	return profile.Tier, nil
}

func (g *Gate) upgradeURL(required entitlements.FeatureLevel) string {
	return g.pricingURL + "?required=" + url.QueryEscape(string(required))
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
