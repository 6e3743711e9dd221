package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var day0 = time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}
	return a
}

// scenarioBatch holds the four reference scenarios plus background traffic
// so the outlier model has something to fit.
func scenarioBatch() []*domain.Transaction {
	txs := []*domain.Transaction{
		{ID: "a1", AccountID: "A", Timestamp: day0, Amount: 10, IPAddress: "1.1.1.1", Category: "groceries"},
		{ID: "a2", AccountID: "A", Timestamp: day0.AddDate(0, 0, 100), Amount: 10, IPAddress: "1.1.1.1", Category: "groceries"},
		{ID: "b1", AccountID: "B", Timestamp: day0, Amount: 100, IPAddress: "1.1.1.1", Category: "groceries"},
		{ID: "b2", AccountID: "B", Timestamp: day0.Add(2 * time.Hour), Amount: 6000, IPAddress: "9.9.9.9", Category: "groceries"},
		{ID: "c1", AccountID: "C", Timestamp: day0, Amount: 50, IPAddress: "3.3.3.3", Category: "gambling"},
		{ID: "d1", AccountID: "D", Timestamp: day0, Amount: 8000, IPAddress: "4.4.4.4", Category: "groceries"},
	}
	for i := 0; i < 60; i++ {
		txs = append(txs, &domain.Transaction{
			ID:        fmt.Sprintf("bg-%d", i),
			AccountID: fmt.Sprintf("BG%d", i%10),
			Timestamp: day0.Add(time.Duration(i) * time.Hour),
			Amount:    float64(20 + i%40),
			IPAddress: "10.0.0.1",
			Category:  "groceries",
		})
	}
	return txs
}

func verdictByID(r *Report, id string) domain.Verdict {
	for _, v := range r.Verdicts {
		if v.TxID == id {
			return v
		}
	}
	return domain.Verdict{}
}

func TestNewAnalyzerRejectsInvalidConfig(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.ContaminationRate = 0

	if _, err := NewAnalyzer(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAnalyzeRulesMode(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.Analyze(context.Background(), scenarioBatch(), domain.ModeRules)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	tests := []struct {
		txID string
		rule string
	}{
		{"a2", domain.RuleDormancy},
		{"b2", domain.RuleIPChangeHighValue},
		{"c1", domain.RuleRiskyCategory},
		{"d1", domain.RuleLargeAmount},
	}
	for _, tt := range tests {
		t.Run(tt.txID, func(t *testing.T) {
			v := verdictByID(report, tt.txID)
			if !v.IsAnomalous || !v.RuleFlagged {
				t.Fatalf("expected rule flag, got %+v", v)
			}
			if p := v.PrimaryAlert(); p == nil || p.RuleID != tt.rule {
				t.Errorf("expected primary %s, got %+v", tt.rule, v.Alerts)
			}
			if len(v.Alerts) != 1 {
				t.Errorf("expected a single alert, got %d", len(v.Alerts))
			}
		})
	}

	if v := verdictByID(report, "a1"); v.IsAnomalous {
		t.Error("first transaction of an account must not be flagged")
	}
	if report.Run.Summary.ModelFlagged != 0 {
		t.Error("rules mode must not run the model")
	}
	if report.Run.Summary.Total != len(scenarioBatch()) {
		t.Errorf("expected %d verdicts, got %d", len(scenarioBatch()), report.Run.Summary.Total)
	}
}

func TestAnalyzeHybridMode(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.Analyze(context.Background(), scenarioBatch(), domain.ModeHybrid)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if report.Run.Mode != domain.ModeHybrid {
		t.Errorf("expected hybrid mode, got %s", report.Run.Mode)
	}
	if report.Run.Summary.RuleFlagged != 4 {
		t.Errorf("expected 4 rule flags, got %d", report.Run.Summary.RuleFlagged)
	}
	if report.Run.Summary.ModelFlagged == 0 {
		t.Error("expected the model to flag something")
	}
	for _, v := range report.Verdicts {
		if v.ModelScore == nil {
			t.Fatalf("verdict %s missing model score", v.TxID)
		}
		if v.IsAnomalous != (v.RuleFlagged || v.ModelFlagged) {
			t.Errorf("verdict %s: anomalous must equal rule or model flag", v.TxID)
		}
	}
	if len(report.Run.Metadata.ModelColumns) == 0 {
		t.Error("expected model columns in metadata")
	}
	if report.Run.ID == "" || report.Run.Metadata.TraceID == "" {
		t.Error("expected run and trace ids")
	}
}

func TestAnalyzeModelModeEmptyBatch(t *testing.T) {
	a := newAnalyzer(t)

	_, err := a.Analyze(context.Background(), nil, domain.ModeModel)
	if !errors.Is(err, domain.ErrModelFit) {
		t.Fatalf("expected ErrModelFit, got %v", err)
	}
}

func TestAnalyzeRulesModeEmptyBatch(t *testing.T) {
	a := newAnalyzer(t)

	report, err := a.Analyze(context.Background(), nil, domain.ModeRules)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Verdicts) != 0 {
		t.Errorf("expected no verdicts, got %d", len(report.Verdicts))
	}
}

func TestAnalyzeInvalidRecordFailsBatch(t *testing.T) {
	a := newAnalyzer(t)

	txs := scenarioBatch()
	txs[3] = &domain.Transaction{ID: "bad", AccountID: "B", Timestamp: day0, Amount: -5}

	_, err := a.Analyze(context.Background(), txs, domain.ModeHybrid)
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputError, got %v", err)
	}
	if inputErr.Index != 3 || inputErr.Field != "amount" {
		t.Errorf("unexpected error context: %+v", inputErr)
	}
}

func TestAnalyzeInvalidMode(t *testing.T) {
	a := newAnalyzer(t)

	if _, err := a.Analyze(context.Background(), scenarioBatch(), "magic"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAnalyzeDoesNotMutateInput(t *testing.T) {
	a := newAnalyzer(t)

	txs := []*domain.Transaction{
		{AccountID: "A", Timestamp: day0.Add(time.Hour), Amount: 10},
		{AccountID: "A", Timestamp: day0, Amount: 20},
	}

	report, err := a.Analyze(context.Background(), txs, domain.ModeRules)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if txs[0].ID != "" || txs[1].Seq != 0 {
		t.Error("input records were modified")
	}
	if report.Transactions[0].ID != "tx-1" || report.Transactions[1].Seq != 1 {
		t.Errorf("expected prepared copies, got %+v", report.Transactions)
	}
}

func TestAnalyzeIsRepeatable(t *testing.T) {
	a := newAnalyzer(t)

	first, err := a.Analyze(context.Background(), scenarioBatch(), domain.ModeHybrid)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	second, err := a.Analyze(context.Background(), scenarioBatch(), domain.ModeHybrid)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if first.Run.ID == second.Run.ID {
		t.Error("each run must get its own id")
	}
	for i := range first.Verdicts {
		if first.Verdicts[i].IsAnomalous != second.Verdicts[i].IsAnomalous {
			t.Errorf("verdict %d differs between runs", i)
		}
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	a := newAnalyzer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Analyze(ctx, scenarioBatch(), domain.ModeHybrid); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestReportFlagged(t *testing.T) {
	r := &Report{Verdicts: []domain.Verdict{{TxID: "1"}, {TxID: "2", IsAnomalous: true}}}
	if got := r.Flagged(); len(got) != 1 || got[0].TxID != "2" {
		t.Errorf("unexpected flagged verdicts: %+v", got)
	}
}
