package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/metrics"
	"github.com/avolve/avolve-billing/pkg/entitlements"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret     string
	prices     entitlements.PriceTable
	reconciler *Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, prices entitlements.PriceTable, reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		prices:     prices,
		reconciler: reconciler,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
//
// Signature and payload problems answer 400. A persistence failure answers
// 500 so Stripe redelivers. Every business outcome (unknown customer, stale
// or duplicate event) is acknowledged with 200.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r, &event); err != nil {
		logger := logging.FromContext(r.Context())
		if errors.Is(err, errMalformedEvent) {
			logger.Warn().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook payload rejected")
			status = http.StatusBadRequest
			writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "malformed event"})
			return
		}
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if event.Type == "checkout.session.completed" {
		if event.Data == nil {
			return fmt.Errorf("%w: checkout.session.completed has no data", errMalformedEvent)
		}
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: decode checkout.session: %v", errMalformedEvent, err)
		}
		if session.Mode != "" && session.Mode != string(stripelib.CheckoutSessionModeSubscription) {
			return nil
		}
		return h.reconciler.OnCheckoutCompleted(ctx, session)
	}

	ev, ok, err := DecodeSubscriptionEvent(event, h.prices)
	if !ok {
		logger.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
	if errors.Is(err, errUnmappedTier) {
		// Acknowledge: redelivery cannot fix a price the table does not know.
		metrics.BillingEventsTotal.WithLabelValues("unmapped").Inc()
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("customer_id", ev.CustomerID).
			Msg("Subscription event references a price missing from the price table")
		return nil
	}
	if err != nil {
		return err
	}
	return h.reconciler.OnBillingEvent(ctx, ev)
}
