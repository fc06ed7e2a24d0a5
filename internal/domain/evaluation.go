package domain

import "time"

// AnomalyRecord is the hand-off unit to the alerting/persistence
// collaborators. An evaluation whose tier is NONE emits no records;
// otherwise it emits one per fired rule plus one composite record.
type AnomalyRecord struct {
	ID          string    `json:"id"`
	Ticker      string    `json:"ticker"`
	InsiderName string    `json:"insiderName"`
	Category    string    `json:"category"` // rule name, or "composite"
	Severity    float64   `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// CategoryComposite marks the overall record emitted alongside the
// per-rule records.
const CategoryComposite = "composite"

// Evaluation is the complete result of running one transaction through
// the two-tier pipeline.
type Evaluation struct {
	ID          string    `json:"id"`
	Ticker      string    `json:"ticker"`
	InsiderName string    `json:"insiderName"`
	Timestamp   time.Time `json:"timestamp"`

	// Signals holds every Tier 1 signal, fired or not, for auditability.
	Signals []AnomalySignal `json:"signals"`

	// MLScore is nil when Tier 2 was inactive.
	MLScore *MLScore `json:"mlScore,omitempty"`

	Composite CompositeResult  `json:"composite"`
	Sentiment InsiderSentiment `json:"sentiment"`

	// Anomalies are the emitted records, empty when tier is NONE.
	Anomalies []AnomalyRecord `json:"anomalies,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata carries processing information.
type EvaluationMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	RulesMs       int64  `json:"rulesMs"`
	ModelMs       int64  `json:"modelMs"`
	TotalMs       int64  `json:"totalMs"`
	HistorySize   int    `json:"historySize"`
	Tier2Active   bool   `json:"tier2Active"`
	EngineVersion string `json:"engineVersion"`
}

// ShouldAlert reports whether the evaluation crosses the alerting boundary.
func (e *Evaluation) ShouldAlert() bool {
	return e.Composite.Tier != TierNone
}
