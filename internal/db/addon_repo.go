package db

import (
	"context"
	"time"

	"creditledger/internal/types"
)

// AddonBatchRepo provides data access for the addon_credit_batches table.
//
// Batches fund the addon pool of the ledger. FIFO consumption order is
// (created_at ASC, expires_at ASC); both the selection and the decrement
// must happen inside the same transaction that holds the ledger row lock,
// otherwise two concurrent deductions could pick the same "oldest" batch.
type AddonBatchRepo struct {
	db DBTX
}

// NewAddonBatchRepo creates a new AddonBatchRepo backed by the given
// database connection (pool or transaction).
func NewAddonBatchRepo(db DBTX) *AddonBatchRepo {
	return &AddonBatchRepo{db: db}
}

// Create inserts a new batch. Expiry is the purchaser's billing-period end
// at purchase time; the engine supplies a fallback when none is known.
func (r *AddonBatchRepo) Create(ctx context.Context, b *types.AddonCreditBatch) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO addon_credit_batches
		     (id, user_id, credits_amount, credits_remaining, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID,
		b.UserID,
		b.CreditsAmount,
		b.CreditsRemaining,
		b.ExpiresAt,
		b.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create addon credit batch", err)
	}
	return nil
}

// ListConsumableForUpdate returns the user's batches that can still fund a
// deduction at the given instant, locked FOR UPDATE in FIFO order.
//
// SQL: SELECT ... FROM addon_credit_batches
//
//	WHERE user_id = $1 AND credits_remaining > 0 AND expires_at > $2
//	ORDER BY created_at ASC, expires_at ASC
//	FOR UPDATE
func (r *AddonBatchRepo) ListConsumableForUpdate(ctx context.Context, userID string, now time.Time) ([]types.AddonCreditBatch, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, credits_amount, credits_remaining, expires_at, created_at
		 FROM addon_credit_batches
		 WHERE user_id = $1
		   AND credits_remaining > 0
		   AND expires_at > $2
		 ORDER BY created_at ASC, expires_at ASC
		 FOR UPDATE`,
		userID,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock addon credit batches", err)
	}
	defer rows.Close()

	var batches []types.AddonCreditBatch
	for rows.Next() {
		var b types.AddonCreditBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.CreditsAmount, &b.CreditsRemaining, &b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan addon credit batch", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating addon credit batches", err)
	}

	return batches, nil
}

// Consume decrements a locked batch's remaining credits. The WHERE guard on
// credits_remaining keeps the 0 <= remaining <= amount invariant even if the
// caller miscomputed the share.
func (r *AddonBatchRepo) Consume(ctx context.Context, batchID string, used int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE addon_credit_batches
		 SET credits_remaining = credits_remaining - $1
		 WHERE id = $2
		   AND credits_remaining >= $1`,
		used,
		batchID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to consume addon credit batch", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"addon batch balance changed underneath the deduction", nil)
	}
	return nil
}

// ExpireBefore zeroes all of the user's batches whose expiry is at or before
// the cutoff (the new period end on renewal). Rows are kept, not deleted, so
// the original grant stays visible in purchase history. Returns the number
// of batches zeroed.
func (r *AddonBatchRepo) ExpireBefore(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE addon_credit_batches
		 SET credits_remaining = 0
		 WHERE user_id = $1
		   AND expires_at <= $2
		   AND credits_remaining > 0`,
		userID,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire addon credit batches", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemainingSum returns the total consumable addon credit for the user at the
// given instant. Used to reconcile the ledger's cached addon aggregate.
func (r *AddonBatchRepo) RemainingSum(ctx context.Context, userID string, now time.Time) (int, error) {
	var sum int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(credits_remaining), 0)
		 FROM addon_credit_batches
		 WHERE user_id = $1
		   AND expires_at > $2`,
		userID,
		now,
	).Scan(&sum)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum addon credit batches", err)
	}
	return sum, nil
}
