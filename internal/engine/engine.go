// Package engine orchestrates the two-tier anomaly detection pipeline:
// boundary validation, Tier 1 rules, optional Tier 2 scoring, composite
// blending and anomaly emission. Each evaluation is a pure function of its
// input; evaluations of independent transactions may run concurrently
// without coordination.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/merlin/internal/composite"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/mlscore"
	"github.com/opensource-finance/merlin/internal/rules"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "merlin-1.0"

var tracer = otel.Tracer("merlin-engine")

// Evaluator runs transactions through the full pipeline.
type Evaluator struct {
	rules     *rules.Engine
	scorer    *mlscore.Scorer
	composite *composite.Scorer
}

// NewEvaluator wires the pipeline stages together.
func NewEvaluator(ruleEngine *rules.Engine, scorer *mlscore.Scorer, compositeScorer *composite.Scorer) *Evaluator {
	return &Evaluator{
		rules:     ruleEngine,
		scorer:    scorer,
		composite: compositeScorer,
	}
}

// Evaluate validates the input and runs it through Tier 1, Tier 2 and the
// composite scorer. Validation failures are the only error path; once the
// input passes the boundary, evaluation always produces a result.
func (e *Evaluator) Evaluate(ctx context.Context, input *domain.EvaluateInput) (*domain.Evaluation, error) {
	start := time.Now()

	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	ctx, span := tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("ticker", input.Transaction.Ticker),
			attribute.String("insider", input.Transaction.InsiderName),
			attribute.Int("history_size", len(input.History)),
		),
	)
	defer span.End()

	rulesStart := time.Now()
	signals := e.rules.EvaluateAll(ctx, input)
	rulesMs := time.Since(rulesStart).Milliseconds()

	modelStart := time.Now()
	mlScore := e.scorer.Score(ctx, input)
	modelMs := time.Since(modelStart).Milliseconds()

	result := e.composite.Compose(&input.Transaction, signals, mlScore)
	sentiment := composite.DeriveSentiment(result, &input.Transaction, input.History)

	eval := &domain.Evaluation{
		ID:          uuid.New().String(),
		Ticker:      input.Transaction.Ticker,
		InsiderName: input.Transaction.InsiderName,
		Timestamp:   time.Now().UTC(),
		Signals:     signals,
		MLScore:     mlScore,
		Composite:   result,
		Sentiment:   sentiment,
		Metadata: domain.EvaluationMetadata{
			TraceID:       span.SpanContext().TraceID().String(),
			RulesMs:       rulesMs,
			ModelMs:       modelMs,
			TotalMs:       time.Since(start).Milliseconds(),
			HistorySize:   len(input.History),
			Tier2Active:   mlScore != nil,
			EngineVersion: EngineVersion,
		},
	}

	eval.Anomalies = EmitAnomalies(eval)

	slog.Debug("transaction evaluated",
		"ticker", eval.Ticker,
		"insider", eval.InsiderName,
		"severity", result.Severity,
		"tier", result.Tier,
		"fired_rules", len(result.ContributingRules),
		"tier2_active", mlScore != nil,
		"duration_ms", eval.Metadata.TotalMs,
	)

	return eval, nil
}
