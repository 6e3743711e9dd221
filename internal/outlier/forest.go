package outlier

import (
	"math"
	"math/rand/v2"
)

// eulerGamma is the Euler-Mascheroni constant used by the harmonic number approximation.
const eulerGamma = 0.5772156649

// Forest is a fitted isolation forest.
type Forest struct {
	trees      []*node
	sampleSize int
	norm       float64
}

// node is an isolation tree node. Leaves carry the number of training
// rows that reached them.
type node struct {
	feature     int
	split       float64
	left, right *node
	size        int
	leaf        bool
}

// ForestParams configures an isolation forest fit.
type ForestParams struct {
	NumTrees   int
	SampleSize int
	Seed       int64
}

// FitForest grows NumTrees isolation trees, each on a subsample drawn without
// replacement. All randomness comes from a PCG source seeded with Seed.
func FitForest(rows [][]float64, params ForestParams) *Forest {
	n := len(rows)
	psi := params.SampleSize
	if psi <= 0 || psi > n {
		psi = min(256, n)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	rng := rand.New(rand.NewPCG(uint64(params.Seed), uint64(params.Seed)^0x9e3779b97f4a7c15))

	f := &Forest{
		trees:      make([]*node, 0, params.NumTrees),
		sampleSize: psi,
		norm:       averagePathLength(psi),
	}
	for t := 0; t < params.NumTrees; t++ {
		sample := make([][]float64, psi)
		for i, idx := range rng.Perm(n)[:psi] {
			sample[i] = rows[idx]
		}
		f.trees = append(f.trees, grow(rng, sample, 0, maxDepth))
	}
	return f
}

func grow(rng *rand.Rand, rows [][]float64, depth, maxDepth int) *node {
	if depth >= maxDepth || len(rows) <= 1 {
		return &node{leaf: true, size: len(rows)}
	}

	lo, hi := bounds(rows)
	candidates := make([]int, 0, len(lo))
	for j := range lo {
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{leaf: true, size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    grow(rng, left, depth+1, maxDepth),
		right:   grow(rng, right, depth+1, maxDepth),
	}
}

func bounds(rows [][]float64) (lo, hi []float64) {
	lo = append([]float64(nil), rows[0]...)
	hi = append([]float64(nil), rows[0]...)
	for _, r := range rows[1:] {
		for j, v := range r {
			if v < lo[j] {
				lo[j] = v
			}
			if v > hi[j] {
				hi[j] = v
			}
		}
	}
	return lo, hi
}

// Score returns the anomaly score 2^(-E[h(x)]/c(psi)) of a row.
// Scores near 1 are anomalous; scores well below 0.5 are normal.
func (f *Forest) Score(row []float64) float64 {
	if len(f.trees) == 0 || f.norm == 0 {
		return 0.5
	}
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, row, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.norm)
}

// SampleSize returns the subsample size each tree was grown on.
func (f *Forest) SampleSize() int {
	return f.sampleSize
}

func pathLength(n *node, row []float64, depth int) float64 {
	for !n.leaf {
		if row[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}
