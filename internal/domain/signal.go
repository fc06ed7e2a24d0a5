package domain

// RuleName identifies a Tier 1 statistical rule.
type RuleName string

const (
	RuleVolume    RuleName = "volume"
	RuleFrequency RuleName = "frequency"
	RuleHoldings  RuleName = "holdings-percentage"
	RuleCluster   RuleName = "cluster-selling"

	// CustomRulePrefix prefixes signals produced by CEL screening rules.
	CustomRulePrefix = "custom:"
)

// AnomalySignal is the output of a single Tier 1 rule evaluation.
// A transaction produces zero to four built-in signals plus any number
// of custom-rule signals.
type AnomalySignal struct {
	Rule     RuleName `json:"rule"`
	Fired    bool     `json:"fired"`
	Severity float64  `json:"severity"` // [0,1]

	// Value carries the supporting statistic: the z-score for the volume
	// rule, the cadence ratio for frequency, the percent sold for
	// holdings, the distinct-seller count for cluster selling.
	Value float64 `json:"value"`

	Description string `json:"description"`
}

// FiredSignals filters a signal set down to the rules that fired.
func FiredSignals(signals []AnomalySignal) []AnomalySignal {
	fired := make([]AnomalySignal, 0, len(signals))
	for _, s := range signals {
		if s.Fired {
			fired = append(fired, s)
		}
	}
	return fired
}

// MLScore is the optional Tier 2 output. Absent (nil) when the insider's
// history is too small or the feature matrix is degenerate.
type MLScore struct {
	Score float64 `json:"score"` // [0,1], 1 = most anomalous

	// Features is the feature vector scored, kept for auditability:
	// [size, gap days, percent sold, C-suite flag].
	Features []float64 `json:"features"`

	// IsOutlier is set when the score exceeds the threshold fitted from
	// the configured contamination fraction.
	IsOutlier bool `json:"isOutlier"`
}
