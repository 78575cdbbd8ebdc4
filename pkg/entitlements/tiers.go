// Package entitlements defines the Avolve subscription tier catalog and the
// feature levels those tiers unlock.
//
// Everything in this package is pure data or pure functions so that route
// handlers, the billing reconciler and the CLI agree on one canonical mapping.
package entitlements

import "strings"

// Tier is a purchasable subscription plan.
type Tier string

const (
	// TierNone is the unset/null tier: the user has never subscribed or the
	// subscription was cancelled.
	TierNone          Tier = ""
	TierFree          Tier = "free"
	TierIndividualVIP Tier = "individual_vip"
	TierCollectivePro Tier = "collective_pro"
	TierEcosystemCEO  Tier = "ecosystem_ceo"
)

// Tiers lists the declared tiers in increasing order of entitlement.
var Tiers = []Tier{TierFree, TierIndividualVIP, TierCollectivePro, TierEcosystemCEO}

// PurchasableTiers lists the tiers a checkout session can be created for.
var PurchasableTiers = []Tier{TierIndividualVIP, TierCollectivePro, TierEcosystemCEO}

var tierRank = map[Tier]int{
	TierNone:          0,
	TierFree:          0,
	TierIndividualVIP: 1,
	TierCollectivePro: 2,
	TierEcosystemCEO:  3,
}

// ParseTier normalizes s and reports whether it names a declared tier.
// The empty string is not accepted; callers that allow null use TierNone.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t == TierNone {
		return TierNone, false
	}
	if _, ok := tierRank[t]; !ok {
		return TierNone, false
	}
	return t, true
}

// Rank returns the declared position of t. Unknown tiers rank with free.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Purchasable reports whether a checkout session may be created for t.
func (t Tier) Purchasable() bool {
	return t.Rank() > 0
}

func (t Tier) String() string {
	if t == TierNone {
		return "none"
	}
	return string(t)
}

// FeatureLevel is the internal entitlement bucket used for gating.
type FeatureLevel string

const (
	LevelFree       FeatureLevel = "free"
	LevelStarter    FeatureLevel = "starter"
	LevelPro        FeatureLevel = "pro"
	LevelEnterprise FeatureLevel = "enterprise"
)

// FeatureLevels lists every level in increasing order.
var FeatureLevels = []FeatureLevel{LevelFree, LevelStarter, LevelPro, LevelEnterprise}

var levelRank = map[FeatureLevel]int{
	LevelFree:       0,
	LevelStarter:    1,
	LevelPro:        2,
	LevelEnterprise: 3,
}

// ParseFeatureLevel normalizes s and reports whether it names a level.
func ParseFeatureLevel(s string) (FeatureLevel, bool) {
	l := FeatureLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", false
	}
	return l, true
}

// Rank returns the position of l, or -1 when l is not a declared level.
func (l FeatureLevel) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

// Interval is a billing period. It selects a price, never an entitlement.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Intervals lists every billing interval.
var Intervals = []Interval{IntervalMonth, IntervalYear}

// ParseInterval normalizes s and reports whether it names an interval.
func ParseInterval(s string) (Interval, bool) {
	switch i := Interval(strings.ToLower(strings.TrimSpace(s))); i {
	case IntervalMonth, IntervalYear:
		return i, true
	default:
		return "", false
	}
}
