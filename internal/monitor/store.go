package monitor

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Save persists the run, its prepared batch and its verdicts.
// The run row is written last so a listed run always has its verdicts.
func (r *Report) Save(ctx context.Context, repo domain.Repository) error {
	if err := repo.SaveTransactions(ctx, r.Run.ID, r.Transactions); err != nil {
		return fmt.Errorf("save transactions of run %s: %w", r.Run.ID, err)
	}
	if err := repo.SaveVerdicts(ctx, r.Run.ID, r.Verdicts); err != nil {
		return fmt.Errorf("save verdicts of run %s: %w", r.Run.ID, err)
	}
	if err := repo.SaveRun(ctx, &r.Run); err != nil {
		return fmt.Errorf("save run %s: %w", r.Run.ID, err)
	}
	return nil
}

// LoadReport rebuilds a stored run with its transactions and verdicts.
func LoadReport(ctx context.Context, repo domain.Repository, runID string) (*Report, error) {
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	txs, err := repo.ListTransactions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list transactions of run %s: %w", runID, err)
	}
	verdicts, err := repo.ListVerdicts(ctx, runID, false)
	if err != nil {
		return nil, fmt.Errorf("list verdicts of run %s: %w", runID, err)
	}
	return &Report{Run: *run, Verdicts: verdicts, Transactions: txs}, nil
}
