package db

import (
	"context"

	"creditledger/internal/types"
)

// CreditTransactionRepo provides data access for the append-only
// credit_transactions audit log and the credit_adjustments table.
//
// Rows are immutable once inserted; there are no update or delete methods
// on purpose. Every ledger mutation writes exactly one transaction row in
// the same database transaction as the balance change (admin grants write
// an adjustment row instead).
type CreditTransactionRepo struct {
	db DBTX
}

// NewCreditTransactionRepo creates a new CreditTransactionRepo backed by the
// given database connection (pool or transaction).
func NewCreditTransactionRepo(db DBTX) *CreditTransactionRepo {
	return &CreditTransactionRepo{db: db}
}

// Insert appends one audit row.
func (r *CreditTransactionRepo) Insert(ctx context.Context, t *types.CreditTransaction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_transactions
		     (id, user_id, transaction_type, credits_amount, balance_after,
		      description, reference_id, reference_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		t.ID,
		t.UserID,
		t.TransactionType,
		t.CreditsAmount,
		t.BalanceAfter,
		t.Description,
		t.ReferenceID,
		t.ReferenceType,
		t.Metadata,
		t.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert credit transaction", err)
	}
	return nil
}

// InsertAdjustment appends one admin adjustment row.
func (r *CreditTransactionRepo) InsertAdjustment(ctx context.Context, a *types.CreditAdjustment) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_adjustments
		     (id, user_id, credits_amount, balance_after, reason, adjusted_by, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		a.ID,
		a.UserID,
		a.CreditsAmount,
		a.BalanceAfter,
		a.Reason,
		a.AdjustedBy,
		a.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert credit adjustment", err)
	}
	return nil
}

// ListByUser returns the user's transaction history, newest first, for the
// account activity view. Offset pagination is fine here: histories are
// short and append-only.
func (r *CreditTransactionRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, transaction_type, credits_amount, balance_after,
		        COALESCE(description, ''), COALESCE(reference_id, ''),
		        COALESCE(reference_type, ''), metadata, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list credit transactions", err)
	}
	defer rows.Close()

	var txs []types.CreditTransaction
	for rows.Next() {
		var t types.CreditTransaction
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.TransactionType,
			&t.CreditsAmount,
			&t.BalanceAfter,
			&t.Description,
			&t.ReferenceID,
			&t.ReferenceType,
			&t.Metadata,
			&t.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit transaction", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating credit transactions", err)
	}

	return txs, nil
}
