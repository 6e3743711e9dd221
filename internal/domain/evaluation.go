package domain

import (
	"time"
)

// ScoreSource names the detection path that contributed to a verdict.
type ScoreSource string

const (
	SourceRule  ScoreSource = "rule"
	SourceModel ScoreSource = "model"
)

// Alert is a single rule firing on a transaction.
type Alert struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`

	// Severity is the rule's rank; lower ranks are reported first.
	Severity int    `json:"severity"`
	Message  string `json:"message"`
	TxID     string `json:"txId"`

	// Primary marks the first alert of a transaction. The rest are secondary.
	Primary bool `json:"primary"`
}

// Verdict is the final per-transaction determination of a run.
type Verdict struct {
	TxID        string        `json:"txId"`
	AccountID   string        `json:"accountId"`
	IsAnomalous bool          `json:"isAnomalous"`
	Alerts      []Alert       `json:"alerts,omitempty"`
	Sources     []ScoreSource `json:"sources,omitempty"`

	RuleFlagged  bool     `json:"ruleFlagged"`
	ModelFlagged bool     `json:"modelFlagged"`
	ModelScore   *float64 `json:"modelScore,omitempty"`
}

// PrimaryAlert returns the primary alert, or nil when no rule fired.
func (v *Verdict) PrimaryAlert() *Alert {
	for i := range v.Alerts {
		if v.Alerts[i].Primary {
			return &v.Alerts[i]
		}
	}
	return nil
}

// SecondaryAlerts returns every alert except the primary one.
func (v *Verdict) SecondaryAlerts() []Alert {
	var out []Alert
	for _, a := range v.Alerts {
		if !a.Primary {
			out = append(out, a)
		}
	}
	return out
}

// Summary aggregates the verdicts of a run.
type Summary struct {
	Total        int `json:"total"`
	Flagged      int `json:"flagged"`
	RuleFlagged  int `json:"ruleFlagged"`
	ModelFlagged int `json:"modelFlagged"`
	BothFlagged  int `json:"bothFlagged"`
}

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run describes one analysis pass over a batch.
type Run struct {
	ID          string          `json:"id"`
	Mode        EvaluationMode  `json:"mode"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Summary     Summary         `json:"summary"`
	Config      DetectionConfig `json:"config"`
	Metadata    RunMetadata     `json:"metadata"`
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID       string   `json:"traceId,omitempty"`
	DeriveMs      int64    `json:"deriveMs"`
	RulesMs       int64    `json:"rulesMs"`
	ModelMs       int64    `json:"modelMs"`
	DecisionMs    int64    `json:"decisionMs"`
	TotalMs       int64    `json:"totalMs"`
	RulesLoaded   int      `json:"rulesLoaded"`
	ModelColumns  []string `json:"modelColumns,omitempty"`
	ModelCutoff   float64  `json:"modelCutoff,omitempty"`
	EngineVersion string   `json:"engineVersion"`
}
