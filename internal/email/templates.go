package email

import (
	"bytes"
	"fmt"
	"text/template"
)

var tierChangeTemplate = template.Must(template.New("tier_change").Parse(`Hi,

{{if .Upgraded}}Thanks for subscribing! Your Avolve plan is now {{.NewPlan}}.{{else if .Cancelled}}Your Avolve subscription has ended. You still have access to everything in the free plan.{{else}}Your Avolve plan changed from {{.OldPlan}} to {{.NewPlan}}.{{end}}

Manage your subscription at any time: {{.ManageURL}}

The Avolve team
`))

// TierChangeData holds template data for the tier change notice.
type TierChangeData struct {
	OldPlan   string
	NewPlan   string
	Upgraded  bool
	Cancelled bool
	ManageURL string
}

var planNames = map[string]string{
	"":               "Free",
	"free":           "Free",
	"individual_vip": "Individual VIP",
	"collective_pro": "Collective Pro",
	"ecosystem_ceo":  "Ecosystem CEO",
}

// PlanName returns the display name of a tier identifier.
func PlanName(tier string) string {
	if name, ok := planNames[tier]; ok {
		return name
	}
	return tier
}

// RenderTierChangeEmail renders the subject and plain-text body of the
// notice sent after a subscription tier changes.
func RenderTierChangeEmail(data TierChangeData) (subject, text string, err error) {
	var buf bytes.Buffer
	if err := tierChangeTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render tier change template: %w", err)
	}

	switch {
	case data.Cancelled:
		subject = "Your Avolve subscription has ended"
	case data.Upgraded:
		subject = fmt.Sprintf("Welcome to Avolve %s", data.NewPlan)
	default:
		subject = "Your Avolve plan has changed"
	}
	return subject, buf.String(), nil
}
