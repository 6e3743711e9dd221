// Package report exports run results as CSV or JSON.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
)

// Header is the column layout of the CSV export.
var Header = []string{
	"transaction_id",
	"account_id",
	"timestamp",
	"amount",
	"category",
	"ip_address",
	"is_anomalous",
	"sources",
	"primary_alert",
	"secondary_alerts",
	"rule_flagged",
	"model_flagged",
	"model_score",
}

// WriteCSV writes one row per verdict, joined to its transaction by ID.
// Secondary alerts are joined with "; ".
func WriteCSV(w io.Writer, verdicts []domain.Verdict, txs []*domain.Transaction) error {
	byID := make(map[string]*domain.Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i := range verdicts {
		v := &verdicts[i]
		tx, ok := byID[v.TxID]
		if !ok {
			return fmt.Errorf("verdict %s has no matching transaction", v.TxID)
		}
		if err := cw.Write(row(v, tx)); err != nil {
			return fmt.Errorf("write row %s: %w", v.TxID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func row(v *domain.Verdict, tx *domain.Transaction) []string {
	var primary string
	if p := v.PrimaryAlert(); p != nil {
		primary = p.Message
	}

	var secondary []string
	for _, a := range v.SecondaryAlerts() {
		secondary = append(secondary, a.Message)
	}

	sources := make([]string, len(v.Sources))
	for i, s := range v.Sources {
		sources[i] = string(s)
	}

	var score string
	if v.ModelScore != nil {
		score = strconv.FormatFloat(*v.ModelScore, 'f', 6, 64)
	}

	return []string{
		tx.ID,
		tx.AccountID,
		tx.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatFloat(tx.Amount, 'f', 2, 64),
		tx.Category,
		tx.IPAddress,
		strconv.FormatBool(v.IsAnomalous),
		strings.Join(sources, "+"),
		primary,
		strings.Join(secondary, "; "),
		strconv.FormatBool(v.RuleFlagged),
		strconv.FormatBool(v.ModelFlagged),
		score,
	}
}

// WriteJSON writes the run and its verdicts as indented JSON.
func WriteJSON(w io.Writer, r *monitor.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// FlaggedOnly returns the anomalous verdicts in their original order.
func FlaggedOnly(verdicts []domain.Verdict) []domain.Verdict {
	out := make([]domain.Verdict, 0)
	for _, v := range verdicts {
		if v.IsAnomalous {
			out = append(out, v)
		}
	}
	return out
}

// Summary renders the one-line run summary printed by the CLI.
func Summary(s domain.Summary) string {
	return fmt.Sprintf("processed %d transactions, flagged %d (rules %d, model %d, both %d)",
		s.Total, s.Flagged, s.RuleFlagged, s.ModelFlagged, s.BothFlagged)
}
