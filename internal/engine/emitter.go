package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
)

// EmitAnomalies packages an evaluation as zero or more anomaly records for
// the downstream alerting/persistence collaborators. A NONE-tier
// evaluation emits nothing; otherwise one record per fired rule plus one
// overall composite record.
func EmitAnomalies(eval *domain.Evaluation) []domain.AnomalyRecord {
	if eval.Composite.Tier == domain.TierNone {
		return nil
	}

	fired := domain.FiredSignals(eval.Signals)
	records := make([]domain.AnomalyRecord, 0, len(fired)+1)

	for _, sig := range fired {
		records = append(records, domain.AnomalyRecord{
			ID:          uuid.New().String(),
			Ticker:      eval.Ticker,
			InsiderName: eval.InsiderName,
			Category:    string(sig.Rule),
			Severity:    sig.Severity,
			Description: sig.Description,
			DetectedAt:  eval.Timestamp,
		})
	}

	records = append(records, domain.AnomalyRecord{
		ID:          uuid.New().String(),
		Ticker:      eval.Ticker,
		InsiderName: eval.InsiderName,
		Category:    domain.CategoryComposite,
		Severity:    eval.Composite.Severity,
		Description: fmt.Sprintf(
			"composite severity %.2f (%s) from %d corroborating signal(s)",
			eval.Composite.Severity, eval.Composite.Tier, len(fired),
		),
		DetectedAt: eval.Timestamp,
	})

	return records
}
