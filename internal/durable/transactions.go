package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds. Deductions are written in aggregate by the settlement
// sweep; charges and refunds are written at the operation.
const (
	TxKindCharge = "charge"
	TxKindDeduct = "deduct"
	TxKindRefund = "refund"
)

// Transaction is one append-only credit ledger row.
type Transaction struct {
	ID            int64
	AccountID     int64
	Kind          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	ReferenceID   string
	CreatedAt     time.Time
}

// Transactions is the repository over the credit_transactions table.
type Transactions struct {
	db *sql.DB
}

// NewTransactions builds the transactions repository.
func NewTransactions(db *sql.DB) *Transactions {
	return &Transactions{db: db}
}

const txInsert = `
	INSERT INTO credit_transactions
		(account_id, kind, amount, balance_before, balance_after, description, reference_id)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`

// Append writes one ledger row using the repository's own connection.
func (r *Transactions) Append(ctx context.Context, t Transaction) error {
	if _, err := r.db.ExecContext(ctx, txInsert,
		t.AccountID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Description, t.ReferenceID); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// AppendTx writes one ledger row inside an open transaction, so the row
// commits or rolls back together with the balance mutation it records.
func (r *Transactions) AppendTx(ctx context.Context, tx *sql.Tx, t Transaction) error {
	if _, err := tx.ExecContext(ctx, txInsert,
		t.AccountID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Description, t.ReferenceID); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ListByAccount returns an account's ledger rows newest first.
func (r *Transactions) ListByAccount(ctx context.Context, accountID int64, limit int) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_before, balance_after,
		       description, COALESCE(reference_id, ''), created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
