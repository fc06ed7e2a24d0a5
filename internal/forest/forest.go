// Package forest implements a deterministic isolation forest for
// unsupervised outlier scoring.
//
// The model follows the standard construction: each tree recursively
// partitions a random subsample along randomly chosen split points, and a
// point's anomaly score derives from its average path length across trees,
// s(x) = 2^(-E[h(x)]/c(psi)). Scores live in (0,1) with 1 denoting the most
// anomalous. All randomness flows from a caller-supplied seed, so the same
// data and options always produce the same forest and the same scores.
package forest

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrTooFewSamples is returned when the training matrix has fewer
	// than two rows.
	ErrTooFewSamples = errors.New("forest: need at least two samples to fit")

	// ErrDegenerateMatrix is returned when every feature column is
	// constant, leaving nothing to split on.
	ErrDegenerateMatrix = errors.New("forest: feature matrix has zero variance in every column")
)

// Options configure forest construction.
type Options struct {
	// Trees is the ensemble size.
	Trees int

	// SampleSize is the per-tree subsample size, capped at the number of
	// training rows.
	SampleSize int

	// Contamination is the expected fraction of outliers in the training
	// data, used to fit the outlier threshold.
	Contamination float64

	// Seed drives all internal randomness.
	Seed int64
}

// DefaultOptions mirror the common isolation-forest defaults.
func DefaultOptions() Options {
	return Options{Trees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42}
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees      []*node
	sampleSize int
	threshold  float64
}

type node struct {
	feature int
	split   float64
	left    *node
	right   *node

	// size is the number of training points that reached this external
	// node; interior nodes keep it at zero.
	size int
}

// Fit builds a forest over the rows of data. Returns ErrTooFewSamples or
// ErrDegenerateMatrix when the matrix cannot support isolation splits.
func Fit(data *mat.Dense, opts Options) (*Forest, error) {
	rows, cols := data.Dims()
	if rows < 2 {
		return nil, ErrTooFewSamples
	}
	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 256
	}
	if opts.Contamination <= 0 || opts.Contamination >= 0.5 {
		opts.Contamination = 0.1
	}

	if degenerate(data) {
		return nil, ErrDegenerateMatrix
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	sampleSize := opts.SampleSize
	if sampleSize > rows {
		sampleSize = rows
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	f := &Forest{
		trees:      make([]*node, opts.Trees),
		sampleSize: sampleSize,
	}

	for i := 0; i < opts.Trees; i++ {
		perm := rng.Perm(rows)
		sample := perm[:sampleSize]
		f.trees[i] = buildTree(data, sample, cols, 0, heightLimit, rng)
	}

	f.fitThreshold(data, opts.Contamination)

	return f, nil
}

// Score returns the anomaly score of x in [0,1], 1 = most anomalous.
func (f *Forest) Score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	avg := total / float64(len(f.trees))

	score := math.Pow(2, -avg/averagePathLength(f.sampleSize))
	return clamp01(score)
}

// Threshold returns the fitted outlier threshold derived from the
// contamination fraction of the training data.
func (f *Forest) Threshold() float64 {
	return f.threshold
}

// IsOutlier reports whether a score exceeds the fitted threshold.
func (f *Forest) IsOutlier(score float64) bool {
	return score > f.threshold
}

// fitThreshold scores the training rows and sets the threshold at the
// (1 - contamination) empirical quantile.
func (f *Forest) fitThreshold(data *mat.Dense, contamination float64) {
	rows, _ := data.Dims()
	scores := make([]float64, rows)
	for i := 0; i < rows; i++ {
		scores[i] = f.Score(mat.Row(nil, i, data))
	}
	sort.Float64s(scores)
	f.threshold = stat.Quantile(1-contamination, stat.Empirical, scores, nil)
}

func buildTree(data *mat.Dense, rows []int, cols, depth, limit int, rng *rand.Rand) *node {
	if len(rows) <= 1 || depth >= limit {
		return &node{size: len(rows)}
	}

	// Features with spread in this partition, in index order so the rng
	// draw stays reproducible.
	eligible := make([]int, 0, cols)
	for j := 0; j < cols; j++ {
		lo, hi := columnRange(data, rows, j)
		if hi > lo {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return &node{size: len(rows)}
	}

	feature := eligible[rng.Intn(len(eligible))]
	lo, hi := columnRange(data, rows, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, r := range rows {
		if data.At(r, feature) < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    buildTree(data, left, cols, depth+1, limit, rng),
		right:   buildTree(data, right, cols, depth+1, limit, rng),
	}
}

func pathLength(n *node, x []float64, depth int) float64 {
	if n.left == nil && n.right == nil {
		return float64(depth) + averagePathLength(n.size)
	}
	if x[n.feature] < n.split {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points, used to normalize truncated paths.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		h := math.Log(float64(n-1)) + 0.5772156649015329
		return 2*h - 2*float64(n-1)/float64(n)
	}
}

func columnRange(data *mat.Dense, rows []int, col int) (lo, hi float64) {
	lo = math.Inf(1)
	hi = math.Inf(-1)
	for _, r := range rows {
		v := data.At(r, col)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func degenerate(data *mat.Dense) bool {
	rows, cols := data.Dims()
	all := make([]int, rows)
	for i := range all {
		all[i] = i
	}
	for j := 0; j < cols; j++ {
		lo, hi := columnRange(data, all, j)
		if hi > lo {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
