package server

import (
	"net/http"
	"time"

	"github.com/avolve/avolve-billing/internal/auth"
	"github.com/avolve/avolve-billing/internal/config"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *config.Config
	Store    registry.ProfileStore
	Verifier *auth.Verifier
	Checkout CheckoutCreator
	Portal   PortalCreator
	Webhook  http.Handler
	Version  string

	// Limiters default to per-IP sliding windows when nil.
	WebhookLimiter  *RateLimiter
	CheckoutLimiter *RateLimiter
}

// NewHandler builds the full middleware chain around the route table.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(SecurityHeaders(mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(cfg.AdminKey, next)
	}
	sessionAuth := deps.Verifier.Middleware
	gate := NewGate(deps.Store, cfg.PricingURL())

	webhookLimiter := deps.WebhookLimiter
	if webhookLimiter == nil {
		webhookLimiter = NewRateLimiter(120, time.Minute, cfg.TrustedProxies...)
	}
	checkoutLimiter := deps.CheckoutLimiter
	if checkoutLimiter == nil {
		checkoutLimiter = NewRateLimiter(20, time.Minute, cfg.TrustedProxies...)
	}

	// Probes are unauthenticated.
	mux.HandleFunc("GET /healthz", handleHealthz(deps.Version))
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))

	metricsHandler := promhttp.Handler()
	if cfg.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated). The handler answers 405 itself.
	mux.Handle("/billing/webhook", webhookLimiter.Middleware(deps.Webhook))

	// Session-authenticated billing flows.
	mux.Handle("POST /checkout/create-session", checkoutLimiter.Middleware(sessionAuth(handleCreateCheckoutSession(deps.Checkout))))
	mux.Handle("POST /billing/portal", checkoutLimiter.Middleware(sessionAuth(handleBillingPortal(deps.Portal))))

	// Entitlement queries and gated feature probes.
	mux.Handle("GET /api/entitlements", sessionAuth(handleEntitlements(deps.Store)))
	mux.Handle("GET /api/features/{feature}", sessionAuth(handleFeature(gate)))

	// Admin API (key-authenticated).
	mux.Handle("POST /admin/profiles", adminAuth(handleAdminCreateProfile(deps.Store)))
	mux.Handle("GET /admin/profiles/{id}", adminAuth(handleAdminProfile(deps.Store)))
}
