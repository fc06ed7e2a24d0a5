package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/composite"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/mlscore"
	"github.com/opensource-finance/merlin/internal/rules"
)

var baseDate = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	cfg := domain.DefaultScoringConfig()
	ruleEngine, err := rules.NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	return NewEvaluator(
		ruleEngine,
		mlscore.NewScorer(cfg, nil, 0),
		composite.NewScorer(cfg),
	)
}

func saleOn(insider string, day int, shares float64) domain.InsiderTransaction {
	price := 1.0
	date := baseDate.AddDate(0, 0, day)
	return domain.InsiderTransaction{
		Ticker:          "ACME",
		InsiderName:     insider,
		TransactionDate: date,
		TransactionCode: domain.CodeSale,
		Shares:          shares,
		PricePerShare:   &price,
		FilingDate:      date.AddDate(0, 0, 2),
	}
}

func TestEvaluateVolumeSpike(t *testing.T) {
	ev := newEvaluator(t)

	// Sizes 40, 50, 60 put a size-90 trade four deviations out: volume
	// severity saturates at 1.0 and the composite lands at 0.6, HIGH.
	input := &domain.EvaluateInput{
		Transaction: saleOn("Doe Jane", 90, 90),
		History: []domain.InsiderTransaction{
			saleOn("Doe Jane", 0, 40),
			saleOn("Doe Jane", 30, 50),
			saleOn("Doe Jane", 60, 60),
		},
	}

	eval, err := ev.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(eval.Signals) != 4 {
		t.Fatalf("expected 4 signals, got %d", len(eval.Signals))
	}
	if !almostEqual(eval.Composite.Severity, 0.6) {
		t.Errorf("expected severity 0.6, got %f", eval.Composite.Severity)
	}
	if eval.Composite.Tier != domain.TierHigh {
		t.Errorf("expected tier HIGH, got %s", eval.Composite.Tier)
	}
	if len(eval.Composite.ContributingRules) != 1 || eval.Composite.ContributingRules[0] != domain.RuleVolume {
		t.Errorf("expected only the volume rule to contribute, got %v", eval.Composite.ContributingRules)
	}

	// Three priors keep Tier 2 inactive; its absence is neutral.
	if eval.MLScore != nil {
		t.Error("expected no Tier 2 score below the history minimum")
	}
	if eval.Metadata.Tier2Active {
		t.Error("expected tier2Active to be false")
	}
	if eval.Composite.Tier2Component != 0 {
		t.Errorf("expected zero Tier 2 component, got %f", eval.Composite.Tier2Component)
	}

	// One record per fired rule plus one composite record.
	if len(eval.Anomalies) != 2 {
		t.Fatalf("expected 2 anomaly records, got %d", len(eval.Anomalies))
	}
	if eval.Anomalies[0].Category != string(domain.RuleVolume) {
		t.Errorf("expected volume record first, got %s", eval.Anomalies[0].Category)
	}
	if eval.Anomalies[1].Category != domain.CategoryComposite {
		t.Errorf("expected composite record last, got %s", eval.Anomalies[1].Category)
	}
	if !eval.ShouldAlert() {
		t.Error("expected a HIGH evaluation to alert")
	}
}

func TestEvaluateClusterOnlyStaysBelowCutoff(t *testing.T) {
	ev := newEvaluator(t)

	// Three distinct sellers fire the cluster rule at severity 0.3; alone
	// that blends to 0.18, below the LOW cutoff, so no records are emitted.
	input := &domain.EvaluateInput{
		Transaction: saleOn("Doe Jane", 20, 1000),
		Peers: []domain.InsiderTransaction{
			saleOn("Smith Alex", 15, 2000),
			saleOn("Roe Pat", 12, 3000),
		},
	}

	eval, err := ev.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	fired := domain.FiredSignals(eval.Signals)
	if len(fired) != 1 || fired[0].Rule != domain.RuleCluster {
		t.Fatalf("expected only the cluster rule to fire, got %v", fired)
	}
	if !almostEqual(eval.Composite.Severity, 0.18) {
		t.Errorf("expected severity 0.18, got %f", eval.Composite.Severity)
	}
	if eval.Composite.Tier != domain.TierNone {
		t.Errorf("expected tier NONE, got %s", eval.Composite.Tier)
	}
	if len(eval.Anomalies) != 0 {
		t.Errorf("expected no anomaly records at tier NONE, got %d", len(eval.Anomalies))
	}
	if eval.ShouldAlert() {
		t.Error("expected a NONE evaluation not to alert")
	}
}

func TestEvaluateDeterminism(t *testing.T) {
	ev := newEvaluator(t)

	history := make([]domain.InsiderTransaction, 0, 15)
	for i := 0; i < 15; i++ {
		history = append(history, saleOn("Doe Jane", i*30+i%3, float64(1000+100*i)))
	}
	input := &domain.EvaluateInput{
		Transaction: saleOn("Doe Jane", 480, 12000),
		History:     history,
	}

	first, err := ev.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if first.MLScore == nil {
		t.Fatal("expected Tier 2 to be active with 15 priors")
	}

	for i := 0; i < 3; i++ {
		again, err := ev.Evaluate(context.Background(), input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if again.Composite.Severity != first.Composite.Severity {
			t.Errorf("composite severity diverged: %f vs %f",
				again.Composite.Severity, first.Composite.Severity)
		}
		if again.MLScore == nil || again.MLScore.Score != first.MLScore.Score {
			t.Errorf("Tier 2 score diverged: %+v vs %+v", again.MLScore, first.MLScore)
		}
		if again.Composite.Tier != first.Composite.Tier {
			t.Errorf("tier diverged: %s vs %s", again.Composite.Tier, first.Composite.Tier)
		}
	}
}

func TestEvaluateRejectsInvalidInput(t *testing.T) {
	ev := newEvaluator(t)

	t.Run("MissingTicker", func(t *testing.T) {
		tx := saleOn("Doe Jane", 0, 1000)
		tx.Ticker = ""

		_, err := ev.Evaluate(context.Background(), &domain.EvaluateInput{Transaction: tx})
		if err == nil {
			t.Error("expected validation error for missing ticker")
		}
	})

	t.Run("NegativeShares", func(t *testing.T) {
		tx := saleOn("Doe Jane", 0, -5)

		_, err := ev.Evaluate(context.Background(), &domain.EvaluateInput{Transaction: tx})
		if err == nil {
			t.Error("expected validation error for negative shares")
		}
	})

	t.Run("HistoryAfterTransaction", func(t *testing.T) {
		input := &domain.EvaluateInput{
			Transaction: saleOn("Doe Jane", 10, 1000),
			History:     []domain.InsiderTransaction{saleOn("Doe Jane", 20, 1000)},
		}

		_, err := ev.Evaluate(context.Background(), input)
		if err == nil {
			t.Error("expected validation error for history dated after the transaction")
		}
	})

	t.Run("InvalidHistoryRecord", func(t *testing.T) {
		bad := saleOn("Doe Jane", 0, 1000)
		bad.InsiderName = ""

		input := &domain.EvaluateInput{
			Transaction: saleOn("Doe Jane", 10, 1000),
			History:     []domain.InsiderTransaction{bad},
		}

		_, err := ev.Evaluate(context.Background(), input)
		if err == nil {
			t.Error("expected validation error for an invalid history record")
		}
	})
}

func TestEmitAnomalies(t *testing.T) {
	now := time.Now().UTC()

	t.Run("NoneTierEmitsNothing", func(t *testing.T) {
		eval := &domain.Evaluation{
			Ticker:      "ACME",
			InsiderName: "Doe Jane",
			Timestamp:   now,
			Signals: []domain.AnomalySignal{
				{Rule: domain.RuleCluster, Fired: true, Severity: 0.3},
			},
			Composite: domain.CompositeResult{Severity: 0.18, Tier: domain.TierNone},
		}

		if records := EmitAnomalies(eval); len(records) != 0 {
			t.Errorf("expected no records, got %d", len(records))
		}
	})

	t.Run("OnePerFiredRulePlusComposite", func(t *testing.T) {
		eval := &domain.Evaluation{
			Ticker:      "ACME",
			InsiderName: "Doe Jane",
			Timestamp:   now,
			Signals: []domain.AnomalySignal{
				{Rule: domain.RuleVolume, Fired: true, Severity: 0.9, Description: "volume spike"},
				{Rule: domain.RuleFrequency, Fired: false},
				{Rule: domain.RuleHoldings, Fired: true, Severity: 0.5, Description: "large disposal"},
			},
			Composite: domain.CompositeResult{Severity: 0.65, Tier: domain.TierHigh},
		}

		records := EmitAnomalies(eval)
		if len(records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(records))
		}

		for _, rec := range records {
			if rec.ID == "" {
				t.Error("expected every record to carry an ID")
			}
			if rec.Ticker != "ACME" || rec.InsiderName != "Doe Jane" {
				t.Errorf("record lost identity fields: %+v", rec)
			}
			if !rec.DetectedAt.Equal(now) {
				t.Errorf("expected DetectedAt %v, got %v", now, rec.DetectedAt)
			}
		}

		last := records[len(records)-1]
		if last.Category != domain.CategoryComposite {
			t.Errorf("expected composite record last, got %s", last.Category)
		}
		if last.Severity != 0.65 {
			t.Errorf("expected composite severity 0.65, got %f", last.Severity)
		}
	})
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
