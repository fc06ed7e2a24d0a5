// Package rules implements the Tier 1 statistical rule engine.
//
// Each rule is an independent pure function over the transaction under
// evaluation and its comparison population. Rules that lack the minimum
// data to compute their statistic return a non-firing signal; that is a
// defined outcome, not an error.
package rules

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Engine runs the built-in rules plus any loaded custom rules.
type Engine struct {
	cfg    domain.ScoringConfig
	custom *CustomEngine
}

// NewEngine creates a rule engine. The custom engine may be nil.
func NewEngine(cfg domain.ScoringConfig, custom *CustomEngine) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &Engine{cfg: cfg, custom: custom}, nil
}

// Config returns the engine's scoring configuration.
func (e *Engine) Config() domain.ScoringConfig {
	return e.cfg
}

// EvaluateAll runs every rule against a validated input and returns all
// signals, fired or not. History and peers are re-sorted defensively so
// repeated evaluations stay deterministic regardless of caller ordering.
func (e *Engine) EvaluateAll(ctx context.Context, input *domain.EvaluateInput) []domain.AnomalySignal {
	history := make([]domain.InsiderTransaction, len(input.History))
	copy(history, input.History)
	domain.SortTransactionsByDate(history)

	tx := &input.Transaction

	signals := []domain.AnomalySignal{
		EvaluateVolume(tx, history, e.cfg),
		EvaluateFrequency(tx, history, e.cfg),
		EvaluateHoldings(tx, e.cfg),
		EvaluateCluster(tx, history, input.Peers, e.cfg),
	}

	if e.custom != nil && e.custom.RulesCount() > 0 {
		signals = append(signals, e.custom.EvaluateAll(ctx, input)...)
	}

	return signals
}

// EvaluateVolume compares the latest transaction size against the mean and
// sample standard deviation of the insider's prior sizes. Requires at
// least two prior transactions for a meaningful deviation.
func EvaluateVolume(tx *domain.InsiderTransaction, history []domain.InsiderTransaction, cfg domain.ScoringConfig) domain.AnomalySignal {
	sig := domain.AnomalySignal{Rule: domain.RuleVolume}

	if len(history) < 2 {
		sig.Description = "insufficient history for volume statistics"
		return sig
	}

	sizes := make([]float64, len(history))
	for i := range history {
		sizes[i] = history[i].Size()
	}

	mean := stat.Mean(sizes, nil)
	std := stat.StdDev(sizes, nil)
	if std <= 0 || math.IsNaN(std) {
		sig.Description = "historical sizes have zero variance"
		return sig
	}

	z := (tx.Size() - mean) / std
	sig.Value = z

	if z > cfg.VolumeZThreshold {
		sig.Fired = true
		sig.Severity = math.Min(1.0, z/cfg.VolumeSeverityDivisor)
		sig.Description = fmt.Sprintf(
			"transaction size %.0f is %.2f standard deviations above historical mean %.0f",
			tx.Size(), z, mean,
		)
	} else {
		sig.Description = fmt.Sprintf("size z-score %.2f within historical range", z)
	}

	return sig
}

// EvaluateFrequency compares the gap since the insider's last trade to
// their average inter-trade interval. Fires when the insider is trading
// far more often than their historical cadence.
func EvaluateFrequency(tx *domain.InsiderTransaction, history []domain.InsiderTransaction, cfg domain.ScoringConfig) domain.AnomalySignal {
	sig := domain.AnomalySignal{Rule: domain.RuleFrequency}

	if len(history) < 2 {
		sig.Description = "insufficient history for cadence statistics"
		return sig
	}

	intervals := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		gap := history[i].TransactionDate.Sub(history[i-1].TransactionDate)
		intervals = append(intervals, gap.Hours()/24)
	}

	avg := stat.Mean(intervals, nil)
	if avg <= 0 {
		sig.Description = "historical trades share a single date, no cadence baseline"
		return sig
	}

	last := history[len(history)-1]
	daysSince := tx.TransactionDate.Sub(last.TransactionDate).Hours() / 24
	ratio := daysSince / avg
	sig.Value = ratio

	if ratio < cfg.FrequencyRatioThreshold {
		sig.Fired = true
		sig.Severity = math.Min(1.0, 1.0-ratio)
		sig.Description = fmt.Sprintf(
			"traded %.0f days after previous vs %.0f day average interval",
			daysSince, avg,
		)
	} else {
		sig.Description = fmt.Sprintf("cadence ratio %.2f within historical range", ratio)
	}

	return sig
}

// EvaluateHoldings fires when a sale disposes of a large fraction of the
// insider's pre-transaction holdings. Only meaningful for sale codes with
// a known post-transaction position.
func EvaluateHoldings(tx *domain.InsiderTransaction, cfg domain.ScoringConfig) domain.AnomalySignal {
	sig := domain.AnomalySignal{Rule: domain.RuleHoldings}

	pct, ok := tx.PercentSold()
	if !ok {
		sig.Description = "percent sold not computable for this transaction"
		return sig
	}
	sig.Value = pct

	if pct > cfg.HoldingsPctThreshold {
		sig.Fired = true
		sig.Severity = math.Min(1.0, pct)
		sig.Description = fmt.Sprintf("sold %.1f%% of holdings in a single transaction", pct*100)
	} else {
		sig.Description = fmt.Sprintf("sold %.1f%% of holdings, below threshold", pct*100)
	}

	return sig
}

// EvaluateCluster counts distinct insiders who sold the same ticker within
// the lookback window ending at the latest transaction date, inclusive of
// the latest insider.
func EvaluateCluster(tx *domain.InsiderTransaction, history, peers []domain.InsiderTransaction, cfg domain.ScoringConfig) domain.AnomalySignal {
	sig := domain.AnomalySignal{Rule: domain.RuleCluster}

	windowStart := tx.TransactionDate.Add(-cfg.ClusterWindow())
	sellers := make(map[string]struct{})

	consider := func(t *domain.InsiderTransaction) {
		if !t.IsSale() || t.Ticker != tx.Ticker {
			return
		}
		if t.TransactionDate.Before(windowStart) || t.TransactionDate.After(tx.TransactionDate) {
			return
		}
		sellers[t.InsiderName] = struct{}{}
	}

	consider(tx)
	for i := range history {
		consider(&history[i])
	}
	for i := range peers {
		consider(&peers[i])
	}

	count := len(sellers)
	sig.Value = float64(count)

	if count >= cfg.ClusterMinSellers {
		sig.Fired = true
		sig.Severity = math.Min(1.0, float64(count)/cfg.ClusterSeverityDivisor)
		sig.Description = fmt.Sprintf(
			"%d distinct insiders sold %s within a %d-day window",
			count, tx.Ticker, cfg.ClusterWindowDays,
		)
	} else {
		sig.Description = fmt.Sprintf("%d distinct sellers in window, below threshold", count)
	}

	return sig
}
