package outlier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer fits an isolation forest per batch and flags its outliers.
// Nothing is kept between batches.
type Scorer struct {
	contamination float64
	params        ForestParams
}

// Result holds the per-transaction scores of one batch, aligned by index.
type Result struct {
	Scores    []float64
	Flags     []bool
	Threshold float64
	Columns   []string
}

// Flagged returns the number of rows flagged as anomalous.
func (r *Result) Flagged() int {
	n := 0
	for _, f := range r.Flags {
		if f {
			n++
		}
	}
	return n
}

// NewScorer creates a scorer from detection settings.
func NewScorer(cfg domain.DetectionConfig) *Scorer {
	return &Scorer{
		contamination: cfg.ContaminationRate,
		params: ForestParams{
			NumTrees:   cfg.NumTrees,
			SampleSize: cfg.SampleSize,
			Seed:       cfg.RandomSeed,
		},
	}
}

// Score fits the forest on the batch and scores every transaction.
// A row is anomalous when its score is above the (1 - contamination)
// percentile of the batch scores.
func (s *Scorer) Score(ctx context.Context, txs []*domain.Transaction) (*Result, error) {
	if len(txs) == 0 {
		return nil, &domain.ModelFitError{Stage: "encode", Reason: "no data"}
	}
	if !(s.contamination > 0 && s.contamination < 1) {
		return nil, &domain.ConfigurationError{Field: "contamination_rate", Value: s.contamination, Reason: "must be in (0, 1)"}
	}
	if s.params.NumTrees <= 0 {
		return nil, &domain.ConfigurationError{Field: "num_trees", Value: s.params.NumTrees, Reason: "must be positive"}
	}

	m := Encode(txs)
	if degenerate(m.Rows) {
		return nil, &domain.ModelFitError{
			Stage:  "fit",
			Reason: fmt.Sprintf("all %d rows have identical features", len(m.Rows)),
		}
	}

	forest := FitForest(m.Rows, s.params)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scores := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		scores[i] = forest.Score(row)
	}

	threshold := percentile(scores, 1-s.contamination)
	flags := make([]bool, len(scores))
	for i, sc := range scores {
		flags[i] = sc > threshold
	}

	result := &Result{
		Scores:    scores,
		Flags:     flags,
		Threshold: threshold,
		Columns:   m.Columns,
	}

	slog.Debug("outlier scoring complete",
		"rows", len(m.Rows),
		"columns", len(m.Columns),
		"sample_size", forest.SampleSize(),
		"threshold", threshold,
		"flagged", result.Flagged(),
	)

	return result, nil
}

func degenerate(rows [][]float64) bool {
	first := rows[0]
	for _, r := range rows[1:] {
		for j, v := range r {
			if v != first[j] {
				return false
			}
		}
	}
	return true
}

// percentile returns the q-quantile of values using linear interpolation
// between closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
