package mlscore

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

var baseDate = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func saleOn(day int, shares float64) domain.InsiderTransaction {
	price := 50.0
	date := baseDate.AddDate(0, 0, day)
	return domain.InsiderTransaction{
		Ticker:          "ACME",
		InsiderName:     "Doe Jane",
		TransactionDate: date,
		TransactionCode: domain.CodeSale,
		Shares:          shares,
		PricePerShare:   &price,
		FilingDate:      date.AddDate(0, 0, 2),
	}
}

// variedHistory produces n prior trades with enough spread in size and
// cadence to keep the feature matrix non-degenerate.
func variedHistory(n int) []domain.InsiderTransaction {
	history := make([]domain.InsiderTransaction, 0, n)
	for i := 0; i < n; i++ {
		history = append(history, saleOn(i*30+i%3, float64(1000+100*i)))
	}
	return history
}

func evalInput(historySize int) *domain.EvaluateInput {
	return &domain.EvaluateInput{
		Transaction: saleOn(historySize*30+30, 1500),
		History:     variedHistory(historySize),
	}
}

func TestScorePreconditions(t *testing.T) {
	cfg := domain.DefaultScoringConfig()
	scorer := NewScorer(cfg, nil, 0)

	t.Run("BelowMinimumHistory", func(t *testing.T) {
		score := scorer.Score(context.Background(), evalInput(cfg.MinHistoryForML-1))
		if score != nil {
			t.Errorf("expected nil score below the history minimum, got %+v", score)
		}
	})

	t.Run("AtMinimumHistory", func(t *testing.T) {
		score := scorer.Score(context.Background(), evalInput(cfg.MinHistoryForML))
		if score == nil {
			t.Fatal("expected a score at exactly the history minimum")
		}
		if score.Score < 0 || score.Score > 1 {
			t.Errorf("score out of range: %f", score.Score)
		}
	})

	t.Run("DegenerateHistory", func(t *testing.T) {
		// Identical same-day trades leave every feature column constant.
		history := make([]domain.InsiderTransaction, 0, 12)
		for i := 0; i < 12; i++ {
			history = append(history, saleOn(0, 1000))
		}
		input := &domain.EvaluateInput{
			Transaction: saleOn(30, 1000),
			History:     history,
		}

		if score := scorer.Score(context.Background(), input); score != nil {
			t.Errorf("expected nil score for a degenerate feature matrix, got %+v", score)
		}
	})
}

func TestScoreDeterminism(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig(), nil, 0)
	input := evalInput(15)

	first := scorer.Score(context.Background(), input)
	if first == nil {
		t.Fatal("expected a score")
	}

	for i := 0; i < 3; i++ {
		again := scorer.Score(context.Background(), input)
		if again == nil {
			t.Fatal("expected a score on repeat evaluation")
		}
		if again.Score != first.Score || again.IsOutlier != first.IsOutlier {
			t.Errorf("repeat evaluation diverged: %+v vs %+v", again, first)
		}
	}
}

func TestScoreFlagsUnusualTransaction(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig(), nil, 0)

	routine := evalInput(20)
	routineScore := scorer.Score(context.Background(), routine)
	if routineScore == nil {
		t.Fatal("expected a score for the routine transaction")
	}

	unusual := evalInput(20)
	unusual.Transaction.Shares = 500000 // two orders of magnitude above history
	unusualScore := scorer.Score(context.Background(), unusual)
	if unusualScore == nil {
		t.Fatal("expected a score for the unusual transaction")
	}

	if unusualScore.Score <= routineScore.Score {
		t.Errorf("expected unusual score %f above routine score %f",
			unusualScore.Score, routineScore.Score)
	}
}

func TestBuildFeatureMatrix(t *testing.T) {
	after := 40000.0
	seq := []domain.InsiderTransaction{
		saleOn(0, 1000),
		saleOn(30, 2000),
	}
	seq[1].SharesOwnedAfter = &after
	seq[1].Shares = 60000
	seq[1].IsCSuite = true

	m := BuildFeatureMatrix(seq)
	rows, cols := m.Dims()
	if rows != 2 || cols != FeatureCount {
		t.Fatalf("expected 2x%d matrix, got %dx%d", FeatureCount, rows, cols)
	}

	// First row: no prior trade, so zero gap; no holdings, so zero pct.
	if m.At(0, 1) != 0 {
		t.Errorf("expected zero gap for the first row, got %f", m.At(0, 1))
	}
	if m.At(0, 3) != 0 {
		t.Errorf("expected zero C-suite flag, got %f", m.At(0, 3))
	}

	// Second row: 30-day gap, 60% disposal, C-suite.
	if m.At(1, 0) != 60000*50.0 {
		t.Errorf("expected size %f, got %f", 60000*50.0, m.At(1, 0))
	}
	if m.At(1, 1) != 30 {
		t.Errorf("expected 30-day gap, got %f", m.At(1, 1))
	}
	if m.At(1, 2) != 0.6 {
		t.Errorf("expected percent sold 0.6, got %f", m.At(1, 2))
	}
	if m.At(1, 3) != 1 {
		t.Errorf("expected C-suite flag 1, got %f", m.At(1, 3))
	}
}

// countingCache records score-cache traffic so tests can observe hits.
type countingCache struct {
	scores map[string]*domain.MLScore
	gets   int
	hits   int
	sets   int
}

func newCountingCache() *countingCache {
	return &countingCache{scores: make(map[string]*domain.MLScore)}
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *countingCache) Delete(ctx context.Context, key string) error { return nil }

func (c *countingCache) GetScore(ctx context.Context, key string) (*domain.MLScore, error) {
	c.gets++
	if score, ok := c.scores[key]; ok {
		c.hits++
		return score, nil
	}
	return nil, nil
}

func (c *countingCache) SetScore(ctx context.Context, key string, score *domain.MLScore, ttl time.Duration) error {
	c.sets++
	c.scores[key] = score
	return nil
}

func (c *countingCache) Ping(ctx context.Context) error { return nil }
func (c *countingCache) Close() error                   { return nil }

func TestScoreUsesCache(t *testing.T) {
	cache := newCountingCache()
	scorer := NewScorer(domain.DefaultScoringConfig(), cache, time.Hour)
	input := evalInput(15)

	first := scorer.Score(context.Background(), input)
	if first == nil {
		t.Fatal("expected a score")
	}
	if cache.sets != 1 {
		t.Errorf("expected one cache write, got %d", cache.sets)
	}
	if cache.hits != 0 {
		t.Errorf("expected no cache hit on first evaluation, got %d", cache.hits)
	}

	second := scorer.Score(context.Background(), input)
	if second == nil {
		t.Fatal("expected a score")
	}
	if cache.hits != 1 {
		t.Errorf("expected a cache hit on repeat evaluation, got %d", cache.hits)
	}
	if cache.sets != 1 {
		t.Errorf("expected no second cache write, got %d", cache.sets)
	}
	if second.Score != first.Score {
		t.Errorf("cached score diverged: %f vs %f", second.Score, first.Score)
	}

	// A different history produces a different key, so no hit.
	other := evalInput(16)
	scorer.Score(context.Background(), other)
	if cache.hits != 1 {
		t.Errorf("expected different history to miss the cache, got %d hits", cache.hits)
	}
}
