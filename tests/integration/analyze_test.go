//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel server.
//
// These tests drive the complete analysis pipeline over HTTP:
//
//	Batch → Features → Rules / Outlier model → Verdicts → Stored run
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// Start the server first:
//
//	go run ./cmd/kestrel serve
//
// The tests rely on the built-in rules and the default thresholds
// (dormancy 90 days, high value 5000, risky categories gambling,
// crypto_exchange and wire_transfer).
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type Transaction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
	Category  string    `json:"category"`
	IPAddress string    `json:"ipAddress"`
}

type Alert struct {
	RuleID   string `json:"ruleId"`
	Message  string `json:"message"`
	Severity int    `json:"severity"`
	Primary  bool   `json:"primary"`
}

type Verdict struct {
	TxID         string   `json:"txId"`
	AccountID    string   `json:"accountId"`
	IsAnomalous  bool     `json:"isAnomalous"`
	Alerts       []Alert  `json:"alerts"`
	RuleFlagged  bool     `json:"ruleFlagged"`
	ModelFlagged bool     `json:"modelFlagged"`
	ModelScore   *float64 `json:"modelScore"`
}

type Summary struct {
	Total        int `json:"total"`
	Flagged      int `json:"flagged"`
	RuleFlagged  int `json:"ruleFlagged"`
	ModelFlagged int `json:"modelFlagged"`
	BothFlagged  int `json:"bothFlagged"`
}

type Run struct {
	ID      string  `json:"id"`
	Mode    string  `json:"mode"`
	Summary Summary `json:"summary"`
}

type AnalyzeResponse struct {
	Run      Run                 `json:"run"`
	Verdicts []Verdict           `json:"verdicts"`
	Reasons  map[string][]string `json:"reasons"`
	Stored   bool                `json:"stored"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

var client = &http.Client{Timeout: 30 * time.Second}

func do(t *testing.T, method, url, contentType string, body []byte) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func analyze(t *testing.T, config TestConfig, mode string, txs []Transaction) AnalyzeResponse {
	t.Helper()

	body, err := json.Marshal(txs)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	status, respBody := do(t, http.MethodPost, config.BaseURL+"/analyze?mode="+mode, "application/json", body)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(respBody))
	}

	var result AnalyzeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return result
}

func verdictFor(t *testing.T, resp AnalyzeResponse, txID string) Verdict {
	t.Helper()
	for _, v := range resp.Verdicts {
		if v.TxID == txID {
			return v
		}
	}
	t.Fatalf("No verdict for %s", txID)
	return Verdict{}
}

func hasRule(v Verdict, ruleID string) bool {
	for _, a := range v.Alerts {
		if a.RuleID == ruleID {
			return true
		}
	}
	return false
}

// background returns n ordinary grocery purchases spread over a few days.
func background(prefix string, n int, start time.Time) []Transaction {
	txs := make([]Transaction, n)
	for i := range txs {
		txs[i] = Transaction{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			AccountID: fmt.Sprintf("%s-acct-%d", prefix, i%10),
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Amount:    float64(40 + i%25),
			Category:  "groceries",
			IPAddress: fmt.Sprintf("10.0.0.%d", i%10),
		}
	}
	return txs
}

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// ============================================================================
// SCENARIO 1: Ordinary activity raises no rule alerts
// ============================================================================

func TestNormalBatch_NoRuleAlerts(t *testing.T) {
	config := getTestConfig()

	result := analyze(t, config, "rules", background("normal", 40, day0))

	if result.Run.Summary.Total != 40 {
		t.Errorf("Expected 40 verdicts, got %d", result.Run.Summary.Total)
	}
	if result.Run.Summary.Flagged != 0 {
		t.Errorf("Expected no flags, got %+v", result.Run.Summary)
	}
	t.Logf("✓ Normal batch passed: run=%s", result.Run.ID)
}

// ============================================================================
// SCENARIO 2: Each built-in rule fires on its own pattern
// ============================================================================

func TestBuiltinRules_Triggered(t *testing.T) {
	config := getTestConfig()

	txs := background("rules", 30, day0)
	txs = append(txs,
		// Dormant account wakes up after 120 days
		Transaction{ID: "dormant-1", AccountID: "sleeper", Timestamp: day0, Amount: 20, Category: "groceries", IPAddress: "10.1.1.1"},
		Transaction{ID: "dormant-2", AccountID: "sleeper", Timestamp: day0.Add(120 * 24 * time.Hour), Amount: 25, Category: "groceries", IPAddress: "10.1.1.1"},
		// High value from a new IP
		Transaction{ID: "ipchange-1", AccountID: "mover", Timestamp: day0, Amount: 30, Category: "groceries", IPAddress: "10.2.2.2"},
		Transaction{ID: "ipchange-2", AccountID: "mover", Timestamp: day0.Add(2 * time.Hour), Amount: 6000, Category: "electronics", IPAddress: "203.0.113.9"},
		// Risky category
		Transaction{ID: "risky-1", AccountID: "punter", Timestamp: day0, Amount: 75, Category: "gambling", IPAddress: "10.3.3.3"},
		// Very large amount
		Transaction{ID: "large-1", AccountID: "whale", Timestamp: day0, Amount: 25000, Category: "groceries", IPAddress: "10.4.4.4"},
	)

	result := analyze(t, config, "rules", txs)

	checks := []struct {
		txID   string
		ruleID string
	}{
		{"dormant-2", "dormancy"},
		{"ipchange-2", "ip_change_high_value"},
		{"risky-1", "risky_category"},
		{"large-1", "large_amount"},
	}
	for _, c := range checks {
		v := verdictFor(t, result, c.txID)
		if !v.IsAnomalous || !hasRule(v, c.ruleID) {
			t.Errorf("%s: expected %s alert, got %+v", c.txID, c.ruleID, v.Alerts)
		}
		if len(result.Reasons[c.txID]) == 0 {
			t.Errorf("%s: expected reasons", c.txID)
		}
	}

	if v := verdictFor(t, result, "dormant-1"); v.IsAnomalous {
		t.Errorf("First transaction of an account must not be dormant: %+v", v.Alerts)
	}
	t.Logf("✓ Built-in rules fired: %+v", result.Run.Summary)
}

// ============================================================================
// SCENARIO 3: The outlier model flags an extreme point
// ============================================================================

func TestModelMode_FlagsOutlier(t *testing.T) {
	config := getTestConfig()

	txs := background("model", 200, day0)
	txs = append(txs, Transaction{
		ID: "outlier-1", AccountID: "odd", Timestamp: day0.Add(3 * time.Hour),
		Amount: 95000, Category: "groceries", IPAddress: "10.9.9.9",
	})

	result := analyze(t, config, "model", txs)

	v := verdictFor(t, result, "outlier-1")
	if !v.ModelFlagged || v.ModelScore == nil {
		t.Errorf("Expected outlier to be model-flagged, got %+v", v)
	}
	if result.Run.Summary.RuleFlagged != 0 {
		t.Errorf("Rules must not run in model mode: %+v", result.Run.Summary)
	}
	if result.Run.Summary.ModelFlagged == 0 || result.Run.Summary.ModelFlagged > 20 {
		t.Errorf("Expected about 5%% of rows model-flagged, got %d", result.Run.Summary.ModelFlagged)
	}
	t.Logf("✓ Outlier flagged with score %.4f", *v.ModelScore)
}

// ============================================================================
// SCENARIO 4: CSV upload and stored run retrieval
// ============================================================================

func TestCSVUpload_StoredRun(t *testing.T) {
	config := getTestConfig()

	var b strings.Builder
	b.WriteString("transaction_id,user_id,amount,transaction_date,transaction_category,ip_address\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "csv-%d,user-%d,%d.00,2024-03-0%d 10:00:00,groceries,10.0.0.%d\n", i, i%4, 30+i, 1+i%9, i%4)
	}
	b.WriteString("csv-risky,user-9,80.00,2024-03-05 12:00:00,crypto_exchange,10.0.0.9\n")

	status, body := do(t, http.MethodPost, config.BaseURL+"/analyze?mode=hybrid", "text/csv", []byte(b.String()))
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result AnalyzeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !result.Stored {
		t.Fatal("Expected run to be stored")
	}

	status, body = do(t, http.MethodGet, config.BaseURL+"/runs/"+result.Run.ID+"/verdicts?flagged=true", "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}
	var stored struct {
		Verdicts []Verdict `json:"verdicts"`
	}
	json.Unmarshal(body, &stored)

	if len(stored.Verdicts) != result.Run.Summary.Flagged {
		t.Errorf("Expected %d stored flagged verdicts, got %d", result.Run.Summary.Flagged, len(stored.Verdicts))
	}
	t.Logf("✓ CSV run %s stored with %d flagged", result.Run.ID, len(stored.Verdicts))
}

// ============================================================================
// SCENARIO 5: Async batch through the worker
// ============================================================================

func TestAsyncBatch_Completes(t *testing.T) {
	config := getTestConfig()

	txs := background("async", 50, day0)
	body, _ := json.Marshal(txs)

	status, respBody := do(t, http.MethodPost, config.BaseURL+"/batches?mode=hybrid", "application/json", body)
	if status != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", status, string(respBody))
	}

	var accepted struct {
		RunID string `json:"runId"`
	}
	json.Unmarshal(respBody, &accepted)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, respBody = do(t, http.MethodGet, config.BaseURL+"/runs/"+accepted.RunID, "", nil)
		if status == http.StatusOK {
			var run Run
			json.Unmarshal(respBody, &run)
			if run.Summary.Total != 50 {
				t.Errorf("Expected 50 transactions, got %d", run.Summary.Total)
			}
			t.Logf("✓ Async run %s completed", run.ID)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("Run %s not stored within deadline (last status %d)", accepted.RunID, status)
}

// ============================================================================
// SCENARIO 6: Bad input fails the whole batch
// ============================================================================

func TestInvalidBatch_Rejected(t *testing.T) {
	config := getTestConfig()

	txs := background("invalid", 5, day0)
	txs[2].Amount = -10
	body, _ := json.Marshal(txs)

	status, respBody := do(t, http.MethodPost, config.BaseURL+"/analyze", "application/json", body)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d: %s", status, string(respBody))
	}

	status, _ = do(t, http.MethodPost, config.BaseURL+"/analyze?mode=model", "application/json", []byte("[]"))
	if status != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for empty model batch, got %d", status)
	}
}
