// Package features derives per-account sequential features for a batch.
package features

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Derive computes hours-since-last-transaction and IP-change features for every
// transaction relative to the preceding transaction of the same account.
//
// Within an account transactions are ordered by timestamp, ties broken by Seq
// and then by batch position. The returned slice is aligned by index with txs;
// txs itself is not reordered.
func Derive(txs []*domain.Transaction) []domain.Features {
	out := make([]domain.Features, len(txs))
	if len(txs) == 0 {
		return out
	}

	for _, idx := range partition(txs) {
		fold(txs, idx, out)
	}

	for i, tx := range txs {
		if tx.LastLogin != nil {
			h := tx.Timestamp.Sub(*tx.LastLogin).Hours()
			out[i].HoursSinceLogin = &h
		}
	}

	return out
}

// partition groups batch positions by account, each group sorted in
// account-local time order.
func partition(txs []*domain.Transaction) [][]int {
	groups := make(map[string][]int)
	order := make([]string, 0)
	for i, tx := range txs {
		if _, ok := groups[tx.AccountID]; !ok {
			order = append(order, tx.AccountID)
		}
		groups[tx.AccountID] = append(groups[tx.AccountID], i)
	}

	result := make([][]int, 0, len(order))
	for _, account := range order {
		idx := groups[account]
		sort.SliceStable(idx, func(a, b int) bool {
			ta, tb := txs[idx[a]], txs[idx[b]]
			if !ta.Timestamp.Equal(tb.Timestamp) {
				return ta.Timestamp.Before(tb.Timestamp)
			}
			if ta.Seq != tb.Seq {
				return ta.Seq < tb.Seq
			}
			return idx[a] < idx[b]
		})
		result = append(result, idx)
	}
	return result
}

// previous is the fold accumulator: the last transaction seen for an account.
type previous struct {
	tx *domain.Transaction
}

// fold walks one account's ordered positions carrying the previous transaction.
func fold(txs []*domain.Transaction, idx []int, out []domain.Features) {
	var acc previous
	for _, i := range idx {
		tx := txs[i]
		out[i] = step(acc, tx)
		acc = previous{tx: tx}
	}
}

// step derives the features of tx given the account's previous transaction.
func step(acc previous, tx *domain.Transaction) domain.Features {
	if acc.tx == nil {
		return domain.Features{}
	}
	hours := tx.Timestamp.Sub(acc.tx.Timestamp).Hours()
	priorIP := acc.tx.IPAddress
	return domain.Features{
		HoursSinceLastTx: &hours,
		PriorIP:          &priorIP,
		IPChanged:        tx.IPAddress != priorIP,
	}
}
