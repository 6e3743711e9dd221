package domain

import (
	"fmt"
	"math"
	"time"
)

// Transaction is a single record of the batch under analysis.
// Transactions are read-only once they enter the engine.
type Transaction struct {
	// ID identifies the transaction within its batch.
	ID string `json:"id"`

	// AccountID groups transactions for sequential feature derivation.
	AccountID string `json:"accountId"`

	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
	Category  string    `json:"category"`
	IPAddress string    `json:"ipAddress"`

	// LastLogin is optional; used when dormancy is measured against login activity.
	LastLogin *time.Time `json:"lastLogin,omitempty"`

	// Seq is the position of the record in the original batch.
	// It breaks timestamp ties within an account.
	Seq int `json:"seq"`
}

// Validate checks the required fields of a transaction.
// index is the record position used for error context.
func (t *Transaction) Validate(index int) error {
	if t == nil {
		return &InputError{Index: index, Field: "transaction", Reason: "record is nil"}
	}
	if t.AccountID == "" {
		return &InputError{Index: index, TxID: t.ID, Field: "account_id", Reason: "account identifier is required"}
	}
	if t.Timestamp.IsZero() {
		return &InputError{Index: index, TxID: t.ID, AccountID: t.AccountID, Field: "timestamp", Reason: "timestamp is required"}
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return &InputError{Index: index, TxID: t.ID, AccountID: t.AccountID, Field: "amount", Reason: "amount must be a finite number"}
	}
	if t.Amount < 0 {
		return &InputError{Index: index, TxID: t.ID, AccountID: t.AccountID, Field: "amount", Reason: fmt.Sprintf("amount must be non-negative, got %.2f", t.Amount)}
	}
	if t.LastLogin != nil && t.LastLogin.IsZero() {
		return &InputError{Index: index, TxID: t.ID, AccountID: t.AccountID, Field: "last_login_date", Reason: "last login is set but empty"}
	}
	return nil
}

// PrepareBatch validates every record and returns copies with IDs and
// sequence numbers assigned. The caller's records are left untouched.
// The first invalid record fails the whole batch.
func PrepareBatch(txs []*Transaction) ([]*Transaction, error) {
	out := make([]*Transaction, len(txs))
	seen := make(map[string]int, len(txs))
	for i, tx := range txs {
		if err := tx.Validate(i); err != nil {
			return nil, err
		}
		cp := *tx
		if cp.ID == "" {
			cp.ID = fmt.Sprintf("tx-%d", i+1)
		}
		if prev, dup := seen[cp.ID]; dup {
			return nil, &InputError{Index: i, TxID: cp.ID, AccountID: cp.AccountID, Field: "id",
				Reason: fmt.Sprintf("duplicate transaction id (first seen at record %d)", prev)}
		}
		seen[cp.ID] = i
		cp.Seq = i
		out[i] = &cp
	}
	return out, nil
}

// TransactionRequest is the API payload for a single transaction.
type TransactionRequest struct {
	ID        string     `json:"id,omitempty"`
	AccountID string     `json:"accountId"`
	Timestamp time.Time  `json:"timestamp"`
	Amount    float64    `json:"amount"`
	Category  string     `json:"category"`
	IPAddress string     `json:"ipAddress"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(seq int) *Transaction {
	tx := &Transaction{
		ID:        r.ID,
		AccountID: r.AccountID,
		Timestamp: r.Timestamp.UTC(),
		Amount:    r.Amount,
		Category:  r.Category,
		IPAddress: r.IPAddress,
		Seq:       seq,
	}
	if r.LastLogin != nil {
		login := r.LastLogin.UTC()
		tx.LastLogin = &login
	}
	return tx
}

// Features are the per-account sequential features derived for one transaction.
// They are attached by index to the batch and never merged into the Transaction.
type Features struct {
	// HoursSinceLastTx is nil for the first transaction of an account.
	HoursSinceLastTx *float64 `json:"hoursSinceLastTx,omitempty"`

	// PriorIP is the IP of the preceding transaction of the same account.
	PriorIP *string `json:"priorIp,omitempty"`

	// IPChanged is false whenever PriorIP is nil.
	IPChanged bool `json:"ipChanged"`

	// HoursSinceLogin is nil unless the transaction carries a LastLogin.
	HoursSinceLogin *float64 `json:"hoursSinceLogin,omitempty"`
}

// IsFirst reports whether the features belong to the first transaction of an account.
func (f Features) IsFirst() bool {
	return f.HoursSinceLastTx == nil
}
