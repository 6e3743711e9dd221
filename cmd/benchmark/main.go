// Benchmark tool for measuring Kestrel against labeled fraud data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labeled.csv [-modes rules,model,hybrid] [-url http://localhost:8080]
//
// This tool:
//  1. Reads a labeled transaction CSV (is_fraud column)
//  2. Analyzes the batch once per evaluation mode, locally or through POST /analyze
//  3. Compares each verdict with the fraud label
//  4. Prints the confusion matrix, precision, recall, F1-score and timings
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/monitor"
)

// Metrics tracks benchmark results for one mode
type Metrics struct {
	Mode domain.EvaluationMode

	TruePositives  int64 // Fraud flagged as anomalous
	FalsePositives int64 // Non-fraud flagged as anomalous
	TrueNegatives  int64 // Non-fraud left alone
	FalseNegatives int64 // Fraud left alone (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64

	RuleFlagged  int
	ModelFlagged int
	Duration     time.Duration
}

func (m *Metrics) Precision() float64 {
	if m.TruePositives+m.FalsePositives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
}

func (m *Metrics) Recall() float64 {
	if m.TruePositives+m.FalseNegatives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
}

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * (p * r) / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total == 0 {
		return 0
	}
	return float64(m.TruePositives+m.TrueNegatives) / float64(total)
}

// analyzeFunc runs one batch in the given mode and returns its verdicts in input order.
type analyzeFunc func(txs []*domain.Transaction, mode domain.EvaluationMode) (*monitor.Report, error)

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled CSV file (needs an is_fraud column)")
	baseURL := flag.String("url", "", "Kestrel base URL; empty runs the analyzer in-process")
	modesFlag := flag.String("modes", "rules,model,hybrid", "Comma-separated evaluation modes")
	limit := flag.Int("limit", 0, "Maximum transactions to analyze (0 = all)")
	verbose := flag.Bool("verbose", false, "Print every missed fraud transaction")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	modes, err := parseModes(*modesFlag)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("===============================================================")
	fmt.Println("          KESTREL BENCHMARK - Labeled Fraud Detection")
	fmt.Println("===============================================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	if *baseURL != "" {
		fmt.Printf("Kestrel URL: %s\n", *baseURL)
	} else {
		fmt.Println("Kestrel URL: (in-process)")
	}
	fmt.Printf("Modes:       %s\n", *modesFlag)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	txs, labels, err := readLabeled(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fraudCount := 0
	for _, l := range labels {
		if l {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions\n", len(txs))
	if len(txs) > 0 {
		fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(txs)))
		fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(txs)-fraudCount, 100*float64(len(txs)-fraudCount)/float64(len(txs)))
	}

	var analyze analyzeFunc
	if *baseURL != "" {
		if err := checkHealth(*baseURL); err != nil {
			fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
			fmt.Println("\nMake sure Kestrel is running:")
			fmt.Println("  go run ./cmd/kestrel serve")
			os.Exit(1)
		}
		analyze = remoteAnalyzer(&http.Client{Timeout: 5 * time.Minute}, *baseURL)
	} else {
		analyzer, err := monitor.NewAnalyzer(domain.DefaultDetectionConfig())
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		analyze = func(txs []*domain.Transaction, mode domain.EvaluationMode) (*monitor.Report, error) {
			return analyzer.Analyze(context.Background(), txs, mode)
		}
	}

	var results []*Metrics
	for _, mode := range modes {
		fmt.Printf("\nRunning %s mode...\n", mode)
		start := time.Now()
		rep, err := analyze(txs, mode)
		if err != nil {
			fmt.Printf("ERROR: %s mode failed: %v\n", mode, err)
			continue
		}
		m := score(mode, rep.Verdicts, labels)
		m.Duration = time.Since(start)
		if *verbose {
			printMissed(rep.Verdicts, labels)
		}
		printResults(m)
		results = append(results, m)
	}

	printComparison(results)
}

func parseModes(s string) ([]domain.EvaluationMode, error) {
	var modes []domain.EvaluationMode
	for _, part := range strings.Split(s, ",") {
		mode := domain.EvaluationMode(strings.ToLower(strings.TrimSpace(part)))
		if mode == "" {
			continue
		}
		if !mode.Valid() {
			return nil, fmt.Errorf("unknown mode %q", part)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		return nil, fmt.Errorf("no evaluation modes given")
	}
	return modes, nil
}

func readLabeled(path string, limit int) ([]*domain.Transaction, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	txs, labels, err := ingest.ReadLabeledCSV(f)
	if err != nil {
		return nil, nil, err
	}
	if limit > 0 && len(txs) > limit {
		txs, labels = txs[:limit], labels[:limit]
	}
	return txs, labels, nil
}

// score compares verdicts with labels. Both are in input order.
func score(mode domain.EvaluationMode, verdicts []domain.Verdict, labels []bool) *Metrics {
	m := &Metrics{Mode: mode}
	for i, v := range verdicts {
		if i >= len(labels) {
			break
		}
		m.TotalProcessed++
		if v.RuleFlagged {
			m.RuleFlagged++
		}
		if v.ModelFlagged {
			m.ModelFlagged++
		}

		fraud := labels[i]
		if fraud {
			m.TotalFraud++
		} else {
			m.TotalNonFraud++
		}

		switch {
		case fraud && v.IsAnomalous:
			m.TruePositives++
		case fraud && !v.IsAnomalous:
			m.FalseNegatives++
		case !fraud && v.IsAnomalous:
			m.FalsePositives++
		default:
			m.TrueNegatives++
		}
	}
	return m
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// remoteAnalyzer posts each batch to POST /analyze as JSON.
func remoteAnalyzer(client *http.Client, baseURL string) analyzeFunc {
	return func(txs []*domain.Transaction, mode domain.EvaluationMode) (*monitor.Report, error) {
		reqs := make([]domain.TransactionRequest, len(txs))
		for i, tx := range txs {
			reqs[i] = domain.TransactionRequest{
				ID:        tx.ID,
				AccountID: tx.AccountID,
				Timestamp: tx.Timestamp,
				Amount:    tx.Amount,
				Category:  tx.Category,
				IPAddress: tx.IPAddress,
				LastLogin: tx.LastLogin,
			}
		}

		body, err := json.Marshal(reqs)
		if err != nil {
			return nil, err
		}

		resp, err := client.Post(baseURL+"/analyze?mode="+string(mode), "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var result api.AnalyzeResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, err
		}
		return &monitor.Report{Run: result.Run, Verdicts: result.Verdicts}, nil
	}
}

func printMissed(verdicts []domain.Verdict, labels []bool) {
	for i, v := range verdicts {
		if i < len(labels) && labels[i] && !v.IsAnomalous {
			fmt.Printf("   missed: %s (account %s)\n", v.TxID, v.AccountID)
		}
	}
}

func printResults(m *Metrics) {
	fmt.Printf("\n--- %s ---\n", strings.ToUpper(string(m.Mode)))

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Rule Flagged:     %d\n", m.RuleFlagged)
	fmt.Printf("   Model Flagged:    %d\n", m.ModelFlagged)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", m.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", m.Duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 && m.Duration > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/m.Duration.Seconds())
	}
}

func printComparison(results []*Metrics) {
	if len(results) < 2 {
		return
	}
	fmt.Println("\n===============================================================")
	fmt.Println("                      MODE COMPARISON")
	fmt.Println("===============================================================")
	fmt.Printf("   %-8s %10s %10s %10s %12s\n", "mode", "precision", "recall", "f1", "duration")
	for _, m := range results {
		fmt.Printf("   %-8s %10.4f %10.4f %10.4f %12v\n", m.Mode, m.Precision(), m.Recall(), m.F1(), m.Duration.Round(time.Millisecond))
	}
	fmt.Println()
}
