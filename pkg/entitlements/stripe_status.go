package entitlements

import "strings"

// SubscriptionGrantsTier reports whether a Stripe subscription status keeps
// the subscribed tier in force. Unknown statuses fail closed.
func SubscriptionGrantsTier(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return true
	case "past_due", "unpaid":
		// Payment retries are in progress; keep access until Stripe cancels.
		return true
	default:
		// canceled, paused, incomplete, incomplete_expired, unknown
		return false
	}
}
