package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/avolve/avolve-billing/internal/email"
	"github.com/avolve/avolve-billing/internal/logging"
	"github.com/avolve/avolve-billing/internal/registry"
)

const notifyTimeout = 10 * time.Second

// EmailNotifier mails users a plain-text notice when their tier changes.
type EmailNotifier struct {
	sender    email.Sender
	from      string
	manageURL string
}

// NewEmailNotifier creates a notifier sending from the given address.
func NewEmailNotifier(sender email.Sender, from, baseURL string) *EmailNotifier {
	return &EmailNotifier{
		sender:    sender,
		from:      from,
		manageURL: strings.TrimRight(baseURL, "/") + "/account/billing",
	}
}

// NotifyTierChange is best-effort; failures are logged.
func (n *EmailNotifier) NotifyTierChange(ctx context.Context, result registry.ApplyResult) {
	if n == nil || n.sender == nil || strings.TrimSpace(result.Email) == "" {
		return
	}
	logger := logging.FromContext(ctx)

	subject, text, err := email.RenderTierChangeEmail(email.TierChangeData{
		OldPlan:   email.PlanName(string(result.PreviousTier)),
		NewPlan:   email.PlanName(string(result.Tier)),
		Upgraded:  result.Tier.Rank() > result.PreviousTier.Rank(),
		Cancelled: !result.Tier.Purchasable(),
		ManageURL: n.manageURL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Render tier change email failed")
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := n.sender.Send(sendCtx, email.Message{
		From:    n.from,
		To:      result.Email,
		Subject: subject,
		Text:    text,
	}); err != nil {
		logger.Warn().Err(err).Str("user_id", result.ProfileID).Msg("Tier change email failed")
	}
}
