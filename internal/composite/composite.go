// Package composite blends Tier 1 signals and the optional Tier 2 score
// into one clamped severity with a qualitative tier.
//
// The adjustment order is fixed: co-occurrence boost, then role weighting,
// then plan discount. Later multiplicative steps act on the already-boosted
// base, so reordering changes the result.
package composite

import (
	"math"
	"sort"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Scorer computes composite results. It never fails: for any valid signal
// set and optional ML score it produces a clamped, well-defined result.
type Scorer struct {
	cfg domain.ScoringConfig
}

// NewScorer creates a composite scorer with the given policy values.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Compose blends the signal set and optional Tier 2 score for one
// transaction.
func (s *Scorer) Compose(tx *domain.InsiderTransaction, signals []domain.AnomalySignal, ml *domain.MLScore) domain.CompositeResult {
	fired := domain.FiredSignals(signals)

	result := domain.CompositeResult{
		ContributingRules: ruleNames(fired),
	}

	for _, sig := range fired {
		if sig.Severity > result.Tier1Max {
			result.Tier1Max = sig.Severity
		}
	}

	// Absence of a Tier 2 score is neutral: not penalized, not rewarded.
	if ml != nil {
		result.Tier2Component = ml.Score
	}

	score := s.cfg.Tier1Weight*result.Tier1Max + s.cfg.Tier2Weight*result.Tier2Component

	// Independent corroborating signals raise confidence beyond either
	// alone.
	if distinctRules(fired) >= 2 && s.cfg.BoostFactor > 1 {
		score = math.Min(1.0, score*s.cfg.BoostFactor)
		result.BoostApplied = true
	}

	if tx.IsCSuite {
		score = math.Min(1.0, score*s.cfg.RoleMultiplier)
		result.RoleWeighted = true
	}

	// Routine pre-planned liquidity trades are structurally less
	// informative than discretionary ones, however unusual statistically.
	if tx.IsPlanned {
		score *= s.cfg.PlanDiscount
		result.PlanDiscounted = true
	}

	result.Severity = clamp01(score)
	result.Tier = s.cfg.TierCutPoints.Classify(result.Severity)

	return result
}

// DeriveSentiment summarizes the directional read: a strong score with
// sell-dominated flow is bearish, buy-dominated flow is bullish.
func DeriveSentiment(result domain.CompositeResult, tx *domain.InsiderTransaction, history []domain.InsiderTransaction) domain.InsiderSentiment {
	sells, buys := 0, 0
	count := func(t *domain.InsiderTransaction) {
		switch t.TransactionCode {
		case domain.CodeSale:
			sells++
		case domain.CodePurchase:
			buys++
		}
	}
	count(tx)
	for i := range history {
		count(&history[i])
	}

	if result.Severity > 0.6 && sells > buys {
		return domain.SentimentBearish
	}
	if buys > sells {
		return domain.SentimentBullish
	}
	return domain.SentimentNeutral
}

func ruleNames(fired []domain.AnomalySignal) []domain.RuleName {
	if len(fired) == 0 {
		return nil
	}
	names := make([]domain.RuleName, len(fired))
	for i, sig := range fired {
		names[i] = sig.Rule
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func distinctRules(fired []domain.AnomalySignal) int {
	seen := make(map[domain.RuleName]struct{}, len(fired))
	for _, sig := range fired {
		seen[sig.Rule] = struct{}{}
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
