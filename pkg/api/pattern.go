package api

import "time"

// PatternScope controls who can see a mapping pattern.
type PatternScope string

const (
	ScopeGlobal     PatternScope = "GLOBAL"
	ScopeTenant     PatternScope = "TENANT"
	ScopeEngagement PatternScope = "ENGAGEMENT"
)

// MappingPattern is a reusable rule associating a source field identifier
// with a canonical target field. Never hard-deleted, only deactivated.
type MappingPattern struct {
	ID    string
	Scope PatternScope

	// ClientID / EngagementID are empty for ScopeGlobal, and EngagementID
	// is empty for ScopeTenant.
	ClientID     string
	EngagementID string

	SourcePattern string
	TargetField   string

	// Confidence stays within the repository's configured [min,max] bounds
	// and is only ever adjusted through EvolveConfidence.
	Confidence float64

	Usage     int
	Successes int
	Failures  int

	// Examples holds sample source values, anonymized before any promotion
	// to global scope.
	Examples []string

	LastUsed time.Time
	Active   bool
}

// Mapping is one confirmed or rejected source-field -> target-field decision
// fed back into the learning loop.
type Mapping struct {
	SourceField string
	TargetField string
	Example     string
}

// Outcome qualifies a Learn call. Feedback, when set, scales the confidence
// adjustment and must be in [0,1].
type Outcome struct {
	Success  bool
	Feedback *float64
}

// MappingSuggestion is one ranked lookup result.
type MappingSuggestion struct {
	SourceField string
	TargetField string
	Confidence  float64
	PatternID   string
}

// AnonymizationPolicy rewrites tenant-identifying example values before a
// pattern is shared globally. A nil policy blocks promotion.
type AnonymizationPolicy func(example string) string
