// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP merges rule alerts and the outlier decision into one verdict per transaction.
package tadp

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor aggregates rule alerts and model flags into final verdicts.
type Processor struct {
	// Mode selects which signals are expected in the input.
	Mode domain.EvaluationMode
}

// NewProcessor creates a new TADP processor for hybrid evaluation.
func NewProcessor() *Processor {
	return &Processor{Mode: domain.ModeHybrid}
}

// NewProcessorForMode creates a TADP processor for the given evaluation mode.
func NewProcessorForMode(mode domain.EvaluationMode) *Processor {
	if !mode.Valid() {
		mode = domain.ModeHybrid
	}
	return &Processor{Mode: mode}
}

// DecisionInput contains everything needed to decide a batch.
// Alerts, ModelFlags and ModelScores are aligned by index with Txs; a nil
// slice means that signal did not run.
type DecisionInput struct {
	Txs         []*domain.Transaction
	Alerts      [][]domain.Alert
	ModelFlags  []bool
	ModelScores []float64
}

// Process produces one verdict per transaction. A transaction is anomalous
// when any rule alert survived or the model flagged it.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) ([]domain.Verdict, error) {
	if err := p.check(input); err != nil {
		return nil, err
	}

	verdicts := make([]domain.Verdict, len(input.Txs))
	for i, tx := range input.Txs {
		v := domain.Verdict{
			TxID:      tx.ID,
			AccountID: tx.AccountID,
		}

		if p.Mode.UsesRules() && len(input.Alerts[i]) > 0 {
			v.Alerts = input.Alerts[i]
			v.RuleFlagged = true
			v.Sources = append(v.Sources, domain.SourceRule)
		}

		if p.Mode.UsesModel() {
			score := input.ModelScores[i]
			v.ModelScore = &score
			if input.ModelFlags[i] {
				v.ModelFlagged = true
				v.Sources = append(v.Sources, domain.SourceModel)
			}
		}

		v.IsAnomalous = v.RuleFlagged || v.ModelFlagged
		verdicts[i] = v
	}

	return verdicts, nil
}

func (p *Processor) check(input *DecisionInput) error {
	if input == nil {
		return fmt.Errorf("decision input is required")
	}
	n := len(input.Txs)
	if p.Mode.UsesRules() && len(input.Alerts) != n {
		return fmt.Errorf("rule results: got %d, want %d", len(input.Alerts), n)
	}
	if p.Mode.UsesModel() {
		if len(input.ModelFlags) != n || len(input.ModelScores) != n {
			return fmt.Errorf("model results: got %d flags and %d scores, want %d",
				len(input.ModelFlags), len(input.ModelScores), n)
		}
	}
	return nil
}

// Summarize counts the verdicts of a run.
func Summarize(verdicts []domain.Verdict) domain.Summary {
	s := domain.Summary{Total: len(verdicts)}
	for _, v := range verdicts {
		if v.IsAnomalous {
			s.Flagged++
		}
		if v.RuleFlagged {
			s.RuleFlagged++
		}
		if v.ModelFlagged {
			s.ModelFlagged++
		}
		if v.RuleFlagged && v.ModelFlagged {
			s.BothFlagged++
		}
	}
	return s
}

// ShouldAlert returns true if the verdict should trigger an alert.
func ShouldAlert(v *domain.Verdict) bool {
	return v.IsAnomalous
}

// GetReasons extracts human-readable reasons from a verdict, primary first.
func GetReasons(v *domain.Verdict) []string {
	var reasons []string
	for _, a := range v.Alerts {
		if a.Message != "" {
			reasons = append(reasons, a.Message)
		}
	}
	if v.ModelFlagged {
		reason := "statistical outlier"
		if v.ModelScore != nil {
			reason = fmt.Sprintf("statistical outlier (score %.3f)", *v.ModelScore)
		}
		reasons = append(reasons, reason)
	}
	return reasons
}
