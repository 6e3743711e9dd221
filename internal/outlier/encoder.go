// Package outlier scores a batch of transactions with an isolation forest.
package outlier

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	ColumnAmount = "amount"
	ColumnHour   = "hour"

	categoryPrefix = "category_"
)

// Matrix is the numeric feature matrix built from a batch.
// Rows are aligned by index with the batch.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Encode builds the feature matrix: amount, UTC hour of day, and a one-hot
// column per distinct category. Categories are sorted and the first one is
// dropped, so a batch with a single category adds no category columns.
func Encode(txs []*domain.Transaction) *Matrix {
	categories := distinctCategories(txs)

	columns := []string{ColumnAmount, ColumnHour}
	index := make(map[string]int, len(categories))
	for i, c := range categories {
		if i == 0 {
			continue
		}
		index[c] = len(columns)
		columns = append(columns, categoryPrefix+c)
	}

	rows := make([][]float64, len(txs))
	for i, tx := range txs {
		row := make([]float64, len(columns))
		row[0] = tx.Amount
		row[1] = float64(tx.Timestamp.UTC().Hour())
		if col, ok := index[tx.Category]; ok {
			row[col] = 1
		}
		rows[i] = row
	}

	return &Matrix{Columns: columns, Rows: rows}
}

func distinctCategories(txs []*domain.Transaction) []string {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		seen[tx.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
