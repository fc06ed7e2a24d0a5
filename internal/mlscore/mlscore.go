// Package mlscore implements the Tier 2 ML anomaly scorer: feature
// engineering over an insider's transaction history and isolation-forest
// scoring of the newest transaction.
//
// The model is refit from the supplied history on every invocation, so the
// scorer holds no cross-call state. An optional cache keyed on insider
// identity plus a hash of the feature matrix amortizes refits without
// changing the contract; determinism makes the cached value exact.
package mlscore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/forest"
)

// FeatureCount is the width of the per-transaction feature vector:
// [size, gap days since prior trade, percent of holdings sold, C-suite flag].
const FeatureCount = 4

// Scorer produces optional Tier 2 anomaly scores.
type Scorer struct {
	cfg      domain.ScoringConfig
	cache    domain.Cache // optional
	cacheTTL time.Duration
}

// NewScorer creates a scorer. The cache may be nil to disable memoization.
func NewScorer(cfg domain.ScoringConfig, cache domain.Cache, cacheTTL time.Duration) *Scorer {
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &Scorer{cfg: cfg, cache: cache, cacheTTL: cacheTTL}
}

// Score returns the anomaly score of the newest transaction against the
// insider's history, or nil when Tier 2 is inactive: fewer prior
// transactions than the configured minimum, or a degenerate feature
// matrix. Absence of a score is a defined outcome, never an error.
func (s *Scorer) Score(ctx context.Context, input *domain.EvaluateInput) *domain.MLScore {
	if len(input.History) < s.cfg.MinHistoryForML {
		return nil
	}

	// The full ordered sequence, newest last; gap features need it.
	seq := make([]domain.InsiderTransaction, 0, len(input.History)+1)
	seq = append(seq, input.History...)
	seq = append(seq, input.Transaction)
	domain.SortTransactionsByDate(seq)

	features := BuildFeatureMatrix(seq)
	rows, _ := features.Dims()

	train := features.Slice(0, rows-1, 0, FeatureCount).(*mat.Dense)
	latest := mat.Row(nil, rows-1, features)

	key := s.cacheKey(input.Transaction.InsiderName, features)
	if s.cache != nil {
		if cached, err := s.cache.GetScore(ctx, key); err == nil && cached != nil {
			return cached
		}
	}

	f, err := forest.Fit(train, forest.Options{
		Trees:         s.cfg.ForestTrees,
		SampleSize:    s.cfg.ForestSubsample,
		Contamination: s.cfg.Contamination,
		Seed:          s.cfg.ForestSeed,
	})
	if err != nil {
		// Mirrors the insufficient-history path: the composite scorer
		// always has a defined fallback.
		slog.Debug("tier 2 model fit degraded to no score",
			"ticker", input.Transaction.Ticker,
			"insider", input.Transaction.InsiderName,
			"error", err,
		)
		return nil
	}

	score := f.Score(latest)
	result := &domain.MLScore{
		Score:     score,
		Features:  latest,
		IsOutlier: f.IsOutlier(score),
	}

	if s.cache != nil {
		if err := s.cache.SetScore(ctx, key, result, s.cacheTTL); err != nil {
			slog.Debug("failed to cache tier 2 score", "key", key, "error", err)
		}
	}

	return result
}

// BuildFeatureMatrix builds the feature matrix for a date-ordered
// transaction sequence, one row per transaction.
func BuildFeatureMatrix(seq []domain.InsiderTransaction) *mat.Dense {
	m := mat.NewDense(len(seq), FeatureCount, nil)
	for i := range seq {
		tx := &seq[i]

		gapDays := 0.0
		if i > 0 {
			gapDays = tx.TransactionDate.Sub(seq[i-1].TransactionDate).Hours() / 24
		}

		pctSold, _ := tx.PercentSold()

		csuite := 0.0
		if tx.IsCSuite {
			csuite = 1.0
		}

		m.SetRow(i, []float64{tx.Size(), gapDays, pctSold, csuite})
	}
	return m
}

// cacheKey derives a stable key from the insider identity, the model
// settings and the full feature matrix.
func (s *Scorer) cacheKey(insider string, features *mat.Dense) string {
	h := xxhash.New()
	_, _ = h.WriteString(insider)

	var buf [8]byte
	writeF64 := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}

	writeF64(float64(s.cfg.ForestTrees))
	writeF64(float64(s.cfg.ForestSeed))
	writeF64(s.cfg.Contamination)

	rows, cols := features.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			writeF64(features.At(i, j))
		}
	}

	return fmt.Sprintf("mlscore:%s:%016x", insider, h.Sum64())
}
