package entitlements

var tierLevels = map[Tier]FeatureLevel{
	TierIndividualVIP: LevelStarter,
	TierCollectivePro: LevelPro,
	TierEcosystemCEO:  LevelEnterprise,
}

// ResolveFeatureLevel maps a persisted tier to its feature level.
//
// The mapping is total: unset, free and unrecognized tiers all resolve to
// LevelFree so a corrupted value can never grant elevated access.
func ResolveFeatureLevel(tier Tier) FeatureLevel {
	if level, ok := tierLevels[tier]; ok {
		return level
	}
	return LevelFree
}

// Decision is the outcome of a feature gate check.
type Decision struct {
	Allowed  bool         `json:"allowed"`
	Current  FeatureLevel `json:"current"`
	Required FeatureLevel `json:"required"`
}

// CheckAccess reports whether a user on tier may use something that needs
// the required level. Denial is a normal outcome, not an error. An
// undeclared required level always denies.
func CheckAccess(tier Tier, required FeatureLevel) Decision {
	current := ResolveFeatureLevel(tier)
	return Decision{
		Allowed:  required.Rank() >= 0 && current.Rank() >= required.Rank(),
		Current:  current,
		Required: required,
	}
}
