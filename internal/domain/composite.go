package domain

import "fmt"

// SeverityTier is the qualitative classification of a composite score.
type SeverityTier string

const (
	TierNone     SeverityTier = "NONE"
	TierLow      SeverityTier = "LOW"
	TierModerate SeverityTier = "MODERATE"
	TierHigh     SeverityTier = "HIGH"
	TierCritical SeverityTier = "CRITICAL"
)

// TierCutPoints are the lower bounds of each non-NONE tier. The defaults
// partition [0,1] as [0,0.2) NONE, [0.2,0.4) LOW, [0.4,0.6) MODERATE,
// [0.6,0.8) HIGH, [0.8,1] CRITICAL.
type TierCutPoints struct {
	Low      float64 `json:"low"`
	Moderate float64 `json:"moderate"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultTierCutPoints returns the standard tier boundaries.
func DefaultTierCutPoints() TierCutPoints {
	return TierCutPoints{Low: 0.2, Moderate: 0.4, High: 0.6, Critical: 0.8}
}

// Validate checks the boundaries are monotone and inside (0,1].
func (c TierCutPoints) Validate() error {
	if !(0 < c.Low && c.Low < c.Moderate && c.Moderate < c.High && c.High < c.Critical && c.Critical <= 1) {
		return fmt.Errorf("tier cut points must be strictly increasing within (0,1]: %+v", c)
	}
	return nil
}

// Classify maps a clamped score to its tier. Boundaries are inclusive on
// the lower side.
func (c TierCutPoints) Classify(score float64) SeverityTier {
	switch {
	case score >= c.Critical:
		return TierCritical
	case score >= c.High:
		return TierHigh
	case score >= c.Moderate:
		return TierModerate
	case score >= c.Low:
		return TierLow
	default:
		return TierNone
	}
}

// CompositeResult is the final blended, weighted, clamped severity for a
// transaction, plus the adjustments that produced it.
type CompositeResult struct {
	Severity float64      `json:"severity"` // [0,1]
	Tier     SeverityTier `json:"tier"`

	// ContributingRules lists the Tier 1 rules that fired, in rule order.
	ContributingRules []RuleName `json:"contributingRules,omitempty"`

	Tier1Max       float64 `json:"tier1Max"`
	Tier2Component float64 `json:"tier2Component"` // exactly 0 when no ML score

	BoostApplied   bool `json:"boostApplied"`
	RoleWeighted   bool `json:"roleWeighted"`
	PlanDiscounted bool `json:"planDiscounted"`
}

// InsiderSentiment summarizes the directional read of an evaluation.
type InsiderSentiment string

const (
	SentimentBearish InsiderSentiment = "BEARISH"
	SentimentNeutral InsiderSentiment = "NEUTRAL"
	SentimentBullish InsiderSentiment = "BULLISH"
)
