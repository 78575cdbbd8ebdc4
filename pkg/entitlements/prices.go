package entitlements

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPriceNotConfigured is returned when a (tier, interval) pair has no
// billing price. It is an operator configuration defect, not a user error.
var ErrPriceNotConfigured = errors.New("price not configured")

// PriceTable maps each purchasable tier and interval to an opaque Stripe
// price identifier. It is built once at startup and never mutated.
type PriceTable map[Tier]map[Interval]string

// Set records priceID for (tier, interval), trimming whitespace.
func (p PriceTable) Set(tier Tier, interval Interval, priceID string) {
	if p[tier] == nil {
		p[tier] = make(map[Interval]string)
	}
	p[tier][interval] = strings.TrimSpace(priceID)
}

// Resolve returns the price identifier for (tier, interval).
func (p PriceTable) Resolve(tier Tier, interval Interval) (string, error) {
	if id := strings.TrimSpace(p[tier][interval]); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: tier=%s interval=%s", ErrPriceNotConfigured, tier, interval)
}

// Lookup maps a price identifier back to the tier and interval it was
// configured for.
func (p PriceTable) Lookup(priceID string) (Tier, Interval, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return TierNone, "", false
	}
	for tier, intervals := range p {
		for interval, id := range intervals {
			if id == priceID {
				return tier, interval, true
			}
		}
	}
	return TierNone, "", false
}

// Missing lists every purchasable (tier, interval) pair without a price,
// formatted as "tier/interval", in catalog order.
func (p PriceTable) Missing() []string {
	var missing []string
	for _, tier := range PurchasableTiers {
		for _, interval := range Intervals {
			if _, err := p.Resolve(tier, interval); err != nil {
				missing = append(missing, string(tier)+"/"+string(interval))
			}
		}
	}
	return missing
}

// Validate fails when any purchasable pair is unpriced or a price id is
// reused for two pairs, since reverse lookups would then be ambiguous.
func (p PriceTable) Validate() error {
	if missing := p.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrPriceNotConfigured, strings.Join(missing, ", "))
	}
	seen := make(map[string]string)
	for _, tier := range PurchasableTiers {
		for _, interval := range Intervals {
			id := p[tier][interval]
			key := string(tier) + "/" + string(interval)
			if other, dup := seen[id]; dup {
				return fmt.Errorf("price %s is configured for both %s and %s", id, other, key)
			}
			seen[id] = key
		}
	}
	return nil
}
