package forest

import (
	"errors"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// clusteredData builds rows tightly packed around (10, 10) with controlled
// jitter so an injected far-away point is unambiguous.
func clusteredData(n int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		data.SetRow(i, []float64{
			10 + rng.NormFloat64(),
			10 + rng.NormFloat64(),
		})
	}
	return data
}

func TestFitErrors(t *testing.T) {
	t.Run("TooFewSamples", func(t *testing.T) {
		data := mat.NewDense(1, 2, []float64{1, 2})
		if _, err := Fit(data, DefaultOptions()); !errors.Is(err, ErrTooFewSamples) {
			t.Errorf("expected ErrTooFewSamples, got %v", err)
		}
	})

	t.Run("DegenerateMatrix", func(t *testing.T) {
		data := mat.NewDense(5, 2, []float64{
			3, 7,
			3, 7,
			3, 7,
			3, 7,
			3, 7,
		})
		if _, err := Fit(data, DefaultOptions()); !errors.Is(err, ErrDegenerateMatrix) {
			t.Errorf("expected ErrDegenerateMatrix, got %v", err)
		}
	})

	t.Run("SingleVaryingColumnIsFittable", func(t *testing.T) {
		data := mat.NewDense(4, 2, []float64{
			3, 1,
			3, 2,
			3, 3,
			3, 4,
		})
		if _, err := Fit(data, DefaultOptions()); err != nil {
			t.Errorf("expected fit to succeed with one varying column, got %v", err)
		}
	})
}

func TestScoreSeparatesOutliers(t *testing.T) {
	data := clusteredData(200, 7)
	f, err := Fit(data, DefaultOptions())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	inlier := f.Score([]float64{10, 10})
	outlier := f.Score([]float64{100, -50})

	if outlier <= inlier {
		t.Errorf("expected outlier score %f above inlier score %f", outlier, inlier)
	}
	if inlier < 0 || inlier > 1 || outlier < 0 || outlier > 1 {
		t.Errorf("scores out of range: inlier %f, outlier %f", inlier, outlier)
	}
	if !f.IsOutlier(outlier) {
		t.Errorf("expected far point (score %f, threshold %f) to exceed the threshold", outlier, f.Threshold())
	}
}

func TestDeterminism(t *testing.T) {
	data := clusteredData(100, 11)
	opts := Options{Trees: 100, SampleSize: 64, Contamination: 0.1, Seed: 42}

	a, err := Fit(data, opts)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	b, err := Fit(data, opts)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	points := [][]float64{{10, 10}, {12, 8}, {40, 40}, {-5, 25}}
	for _, p := range points {
		if a.Score(p) != b.Score(p) {
			t.Errorf("same seed produced different scores for %v: %f vs %f", p, a.Score(p), b.Score(p))
		}
	}
	if a.Threshold() != b.Threshold() {
		t.Errorf("same seed produced different thresholds: %f vs %f", a.Threshold(), b.Threshold())
	}

	c, err := Fit(data, Options{Trees: 100, SampleSize: 64, Contamination: 0.1, Seed: 43})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	var diverged bool
	for _, p := range points {
		if a.Score(p) != c.Score(p) {
			diverged = true
		}
	}
	if !diverged {
		t.Error("expected a different seed to change at least one score")
	}
}

func TestThresholdTracksContamination(t *testing.T) {
	data := clusteredData(200, 3)

	loose, err := Fit(data, Options{Trees: 50, SampleSize: 128, Contamination: 0.3, Seed: 42})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	tight, err := Fit(data, Options{Trees: 50, SampleSize: 128, Contamination: 0.05, Seed: 42})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// A higher contamination fraction labels more of the training data as
	// outliers, which means a lower threshold.
	if loose.Threshold() >= tight.Threshold() {
		t.Errorf("expected threshold for contamination 0.3 (%f) below 0.05 (%f)",
			loose.Threshold(), tight.Threshold())
	}
}

func TestAveragePathLength(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
	}
	for _, tc := range cases {
		if got := averagePathLength(tc.n); got != tc.want {
			t.Errorf("averagePathLength(%d) = %f, want %f", tc.n, got, tc.want)
		}
	}

	// c(n) grows with n for larger ensembles.
	if averagePathLength(256) <= averagePathLength(16) {
		t.Error("expected c(n) to increase with n")
	}
}
