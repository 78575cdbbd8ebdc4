// Package stripe orchestrates checkout and billing-portal sessions and
// reconciles Stripe subscription webhooks onto user profiles.
package stripe

import (
	"errors"
	"strings"
	"sync"

	apperrors "github.com/avolve/avolve-billing/internal/errors"
	stripelib "github.com/stripe/stripe-go/v82"
)

var configureOnce sync.Once

// Configure sets the process-wide Stripe API key. Only the first call has
// an effect; the key never changes after startup.
func Configure(apiKey string) {
	configureOnce.Do(func() {
		stripelib.Key = strings.TrimSpace(apiKey)
	})
}

// Session is a hosted Stripe flow the caller redirects the user to.
type Session struct {
	ID          string `json:"id,omitempty"`
	RedirectURL string `json:"url"`
}

// classifyStripeError maps a Stripe API failure onto the error taxonomy.
// A rejected price means the price table points at something Stripe does
// not know, which is a configuration defect rather than an outage.
func classifyStripeError(op string, err error) error {
	var se *stripelib.Error
	if errors.As(err, &se) && se.Type == stripelib.ErrorTypeInvalidRequest && strings.HasPrefix(se.Param, "line_items") {
		return apperrors.Configuration(op, err)
	}
	return apperrors.Upstream(op, err)
}
