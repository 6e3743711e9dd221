// Package ingest loads transaction batches from CSV and JSON files.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Canonical column names. Each accepts the aliases listed in columnAliases.
const (
	colID        = "transaction_id"
	colAccount   = "account_id"
	colTimestamp = "timestamp"
	colAmount    = "amount"
	colCategory  = "category"
	colIP        = "ip_address"
	colLastLogin = "last_login_date"
	colLabel     = "is_fraud"
)

var columnAliases = map[string]string{
	"transaction_id":       colID,
	"id":                   colID,
	"account_id":           colAccount,
	"user_id":              colAccount,
	"timestamp":            colTimestamp,
	"transaction_date":     colTimestamp,
	"amount":               colAmount,
	"category":             colCategory,
	"transaction_category": colCategory,
	"ip_address":           colIP,
	"ip":                   colIP,
	"last_login_date":      colLastLogin,
	"last_login":           colLastLogin,
	"is_fraud":             colLabel,
	"isfraud":              colLabel,
}

var requiredColumns = []string{colAccount, colTimestamp, colAmount}

// timeLayouts are tried in order when parsing timestamps. Layouts without a
// zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ReadCSV parses a header-led CSV batch. Rows keep file order; any malformed
// row fails the whole batch with an InputError naming its line.
func ReadCSV(r io.Reader) ([]*domain.Transaction, error) {
	txs, _, err := readCSV(r, false)
	return txs, err
}

// ReadLabeledCSV parses a CSV batch together with its is_fraud labels.
// Labels are only used for offline evaluation and never reach the detectors.
func ReadLabeledCSV(r io.Reader) ([]*domain.Transaction, []bool, error) {
	return readCSV(r, true)
}

func readCSV(r io.Reader, labeled bool) ([]*domain.Transaction, []bool, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	// Read header
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, &domain.InputError{Line: 1, Field: "header", Reason: "file is empty"}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if canonical, ok := columnAliases[name]; ok {
			if _, dup := colIndex[canonical]; !dup {
				colIndex[canonical] = i
			}
		}
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, nil, &domain.InputError{Line: 1, Field: col, Reason: "required column is missing"}
		}
	}
	if _, ok := colIndex[colLabel]; labeled && !ok {
		return nil, nil, &domain.InputError{Line: 1, Field: colLabel, Reason: "label column is missing"}
	}

	var txs []*domain.Transaction
	var labels []bool

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, nil, &domain.InputError{Index: len(txs), Line: parseErr.Line, Field: "row", Reason: parseErr.Err.Error()}
			}
			return nil, nil, fmt.Errorf("failed to read row: %w", err)
		}

		line, _ := reader.FieldPos(0)
		row := csvRow{record: record, cols: colIndex, index: len(txs), line: line}

		tx, err := row.transaction()
		if err != nil {
			return nil, nil, err
		}
		txs = append(txs, tx)

		if labeled {
			label, err := row.label()
			if err != nil {
				return nil, nil, err
			}
			labels = append(labels, label)
		}
	}

	return txs, labels, nil
}

type csvRow struct {
	record []string
	cols   map[string]int
	index  int
	line   int
}

func (r csvRow) get(col string) string {
	i, ok := r.cols[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func (r csvRow) fail(tx *domain.Transaction, field, reason string) error {
	e := &domain.InputError{Index: r.index, Line: r.line, Field: field, Reason: reason}
	if tx != nil {
		e.TxID, e.AccountID = tx.ID, tx.AccountID
	}
	return e
}

func (r csvRow) transaction() (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:        r.get(colID),
		AccountID: r.get(colAccount),
		Category:  r.get(colCategory),
		IPAddress: r.get(colIP),
		Seq:       r.index,
	}

	if tx.AccountID == "" {
		return nil, r.fail(tx, colAccount, "account identifier is required")
	}

	ts, err := ParseTime(r.get(colTimestamp))
	if err != nil {
		return nil, r.fail(tx, colTimestamp, err.Error())
	}
	tx.Timestamp = ts

	raw := r.get(colAmount)
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, r.fail(tx, colAmount, fmt.Sprintf("not a number: %q", raw))
	}
	tx.Amount = amount

	if v := r.get(colLastLogin); v != "" {
		login, err := ParseTime(v)
		if err != nil {
			return nil, r.fail(tx, colLastLogin, err.Error())
		}
		tx.LastLogin = &login
	}

	if err := tx.Validate(r.index); err != nil {
		var inputErr *domain.InputError
		if errors.As(err, &inputErr) {
			inputErr.Line = r.line
		}
		return nil, err
	}

	return tx, nil
}

func (r csvRow) label() (bool, error) {
	switch strings.ToLower(r.get(colLabel)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no", "":
		return false, nil
	default:
		return false, r.fail(nil, colLabel, fmt.Sprintf("unrecognised label %q", r.get(colLabel)))
	}
}

// ParseTime parses a timestamp in any of the accepted layouts and returns it in UTC.
func ParseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

// ReadJSON parses a JSON array of transaction requests.
func ReadJSON(r io.Reader) ([]*domain.Transaction, error) {
	var reqs []domain.TransactionRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&reqs); err != nil {
		return nil, fmt.Errorf("%w: decode json batch: %v", domain.ErrInvalidInput, err)
	}

	txs := make([]*domain.Transaction, len(reqs))
	for i := range reqs {
		txs[i] = reqs[i].ToTransaction(i)
	}
	return txs, nil
}
