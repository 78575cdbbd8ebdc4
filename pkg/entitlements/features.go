package entitlements

import "sort"

// Feature constants name gated product surfaces.
const (
	// Free level
	FeatureCommunity = "community" // Public community feed and events

	// Starter level (everything in Free, plus:)
	FeatureCoachingLibrary = "coaching_library" // Full business-coaching course library
	FeatureWorkbooks       = "workbooks"        // Downloadable workbooks and templates

	// Pro level (everything in Starter, plus:)
	FeatureAICoach             = "ai_coach"             // AI completion-backed coaching assistant
	FeatureKnowledgeProcessing = "knowledge_processing" // Upload and process private knowledge
	FeatureGroupCoaching       = "group_coaching"       // Live group coaching sessions

	// Enterprise level
	FeatureTeamWorkspaces  = "team_workspaces"
	FeaturePrioritySupport = "priority_support"
)

// FeatureRequirements maps each feature to the minimum level that unlocks it.
var FeatureRequirements = map[string]FeatureLevel{
	FeatureCommunity:           LevelFree,
	FeatureCoachingLibrary:     LevelStarter,
	FeatureWorkbooks:           LevelStarter,
	FeatureAICoach:             LevelPro,
	FeatureKnowledgeProcessing: LevelPro,
	FeatureGroupCoaching:       LevelPro,
	FeatureTeamWorkspaces:      LevelEnterprise,
	FeaturePrioritySupport:     LevelEnterprise,
}

// RequiredLevel returns the level a feature needs and whether the feature is known.
func RequiredLevel(feature string) (FeatureLevel, bool) {
	level, ok := FeatureRequirements[feature]
	return level, ok
}

// FeaturesForLevel returns the sorted features unlocked at level.
func FeaturesForLevel(level FeatureLevel) []string {
	rank := level.Rank()
	features := make([]string, 0, len(FeatureRequirements))
	for feature, required := range FeatureRequirements {
		if rank >= required.Rank() {
			features = append(features, feature)
		}
	}
	sort.Strings(features)
	return features
}
