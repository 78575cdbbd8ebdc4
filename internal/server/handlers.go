package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avolve/avolve-billing/internal/auth"
	apperrors "github.com/avolve/avolve-billing/internal/errors"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/registry"
	"github.com/avolve/avolve-billing/internal/stripe"
	"github.com/avolve/avolve-billing/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const (
	requestBodyLimit = 16 * 1024
	readyTimeout     = 2 * time.Second
)

// CheckoutCreator starts subscription checkouts.
type CheckoutCreator interface {
	CreateSession(ctx context.Context, user *auth.User, tier, interval string) (stripe.Session, error)
}

// PortalCreator opens billing-portal sessions.
type PortalCreator interface {
	CreateSession(ctx context.Context, user *auth.User) (stripe.Session, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type createSessionRequest struct {
	Tier     string `json:"tier"`
	Interval string `json:"interval"`
}

type createProfileRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

type entitlementsResponse struct {
	UserID       string                    `json:"user_id"`
	Tier         string                    `json:"tier"`
	FeatureLevel entitlements.FeatureLevel `json:"feature_level"`
	Features     []string                  `json:"features"`
}

type featureResponse struct {
	Feature  string                    `json:"feature"`
	Allowed  bool                      `json:"allowed"`
	Required entitlements.FeatureLevel `json:"required"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

// writeError maps err onto a status code and a message safe for users.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	logger := logging.FromContext(r.Context())
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).
		Str("kind", string(apperrors.KindOf(err))).
		Bool("retryable", apperrors.IsRetryable(err)).
		Msg("Request failed")
	writeJSON(w, status, errorResponse{Error: apperrors.PublicMessage(err)})
}

func handleCreateCheckoutSession(checkout CheckoutCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())

		var req createSessionRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, apperrors.Validation("create_checkout_session", "invalid request body"))
			return
		}

		session, err := checkout.CreateSession(r.Context(), user, req.Tier, req.Interval)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{URL: session.RedirectURL})
	}
}

func handleBillingPortal(portal PortalCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())

		session, err := portal.CreateSession(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{URL: session.RedirectURL})
	}
}

func handleEntitlements(store registry.ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())

		profile, err := store.Get(r.Context(), user.ID)
		if err != nil {
			writeError(w, r, apperrors.Upstream("load_profile", err))
			return
		}
		tier := entitlements.TierNone
		if profile != nil {
			tier = profile.Tier
		}
		level := entitlements.ResolveFeatureLevel(tier)
		writeJSON(w, http.StatusOK, entitlementsResponse{
			UserID:       user.ID,
			Tier:         tier.String(),
			FeatureLevel: level,
			Features:     entitlements.FeaturesForLevel(level),
		})
	}
}

func handleFeature(gate *Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature := strings.TrimSpace(r.PathValue("feature"))
		required, ok := entitlements.RequiredLevel(feature)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown feature"})
			return
		}
		if !gate.Check(w, r, required) {
			return
		}
		writeJSON(w, http.StatusOK, featureResponse{Feature: feature, Allowed: true, Required: required})
	}
}

func handleHealthz(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

func handleReadyz(store registry.ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleAdminProfile(store registry.ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("id"))
		profile, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, apperrors.Upstream("load_profile", err))
			return
		}
		if profile == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "profile not found"})
			return
		}
		level := entitlements.ResolveFeatureLevel(profile.Tier)
		writeJSON(w, http.StatusOK, map[string]any{
			"profile":       profile,
			"feature_level": level,
			"features":      entitlements.FeaturesForLevel(level),
		})
	}
}

// handleAdminCreateProfile provisions a profile for a signed-up user. The id
// is the identity provider's subject.
func handleAdminCreateProfile(store registry.ProfileStore) http.HandlerFunc {
	const op = "create_profile"
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProfileRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperrors.Validation(op, "invalid request body"))
			return
		}
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" {
			writeError(w, r, apperrors.Validation(op, "id is required"))
			return
		}

		profile := &registry.Profile{ID: req.ID, Email: strings.TrimSpace(req.Email)}
		if err := store.Create(r.Context(), profile); err != nil {
			if errors.Is(err, registry.ErrProfileExists) {
				writeError(w, r, apperrors.Conflict(op, "profile %s already exists", req.ID))
				return
			}
			writeError(w, r, apperrors.Upstream(op, err))
			return
		}
		logging.FromContext(r.Context()).Info().Str("user_id", profile.ID).Msg("Profile provisioned")
		writeJSON(w, http.StatusCreated, map[string]any{"profile": profile})
	}
}
