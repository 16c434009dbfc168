package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"creditledger/internal/types"
)

// CreditLedgerRepo provides data access for the credit_ledgers table, the
// per-user balance record.
//
// Key invariants:
//   - credits_remaining always equals subscription_credits_remaining +
//     addon_credits_remaining. The engine recomputes the aggregate before
//     every Save; this repo never derives it in SQL.
//   - Mutations happen only through a locked row (GetForUpdate) inside a
//     LedgerTx, so concurrent deductions for the same user serialize.
type CreditLedgerRepo struct {
	db DBTX
}

// NewCreditLedgerRepo creates a new CreditLedgerRepo backed by the given
// database connection (pool or transaction).
func NewCreditLedgerRepo(db DBTX) *CreditLedgerRepo {
	return &CreditLedgerRepo{db: db}
}

const ledgerColumns = `user_id, total_credits_ever_granted,
	subscription_credits_remaining, addon_credits_remaining, credits_remaining,
	cycle_used_credits, cycle_start_at, last_cycle_reset_at,
	created_at, updated_at`

func scanLedger(row pgx.Row) (*types.CreditLedger, error) {
	var l types.CreditLedger
	err := row.Scan(
		&l.UserID,
		&l.TotalCreditsEverGranted,
		&l.SubscriptionCreditsRemaining,
		&l.AddonCreditsRemaining,
		&l.CreditsRemaining,
		&l.CycleUsedCredits,
		&l.CycleStartAt,
		&l.LastCycleResetAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Get returns the user's ledger, or a zero-balance ledger when the user has
// no row yet. The read path (entitlement evaluation) must not distinguish
// "never granted anything" from "granted and spent everything", so a missing
// row is not an error.
func (r *CreditLedgerRepo) Get(ctx context.Context, userID string) (*types.CreditLedger, error) {
	ledger, err := scanLedger(r.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledgers WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.CreditLedger{UserID: userID}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load credit ledger", err)
	}
	return ledger, nil
}

// GetForUpdate loads the ledger row FOR UPDATE, lazily creating it with zero
// balances first if the user has none. Must be called inside a transaction;
// the acquired row lock is what serializes concurrent mutations for the same
// user.
//
// The insert uses ON CONFLICT DO NOTHING so two racing first-time callers
// both proceed to the locking SELECT, where one of them blocks.
func (r *CreditLedgerRepo) GetForUpdate(ctx context.Context, userID string) (*types.CreditLedger, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_ledgers (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure credit ledger row", err)
	}

	ledger, err := scanLedger(r.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledgers WHERE user_id = $1 FOR UPDATE`,
		userID,
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock credit ledger", err)
	}
	return ledger, nil
}

// Save persists the balance fields and cycle counters of a ledger previously
// loaded with GetForUpdate.
func (r *CreditLedgerRepo) Save(ctx context.Context, l *types.CreditLedger) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_ledgers
		 SET total_credits_ever_granted = $1,
		     subscription_credits_remaining = $2,
		     addon_credits_remaining = $3,
		     credits_remaining = $4,
		     cycle_used_credits = $5,
		     cycle_start_at = $6,
		     last_cycle_reset_at = $7,
		     updated_at = NOW()
		 WHERE user_id = $8`,
		l.TotalCreditsEverGranted,
		l.SubscriptionCreditsRemaining,
		l.AddonCreditsRemaining,
		l.CreditsRemaining,
		l.CycleUsedCredits,
		l.CycleStartAt,
		l.LastCycleResetAt,
		l.UserID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save credit ledger", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundLedger, "credit ledger row vanished during update", nil)
	}
	return nil
}

// ProvisionSignup creates the ledger at signup with the free plan's
// allotment already in the subscription pool. No-op when a row exists.
func (r *CreditLedgerRepo) ProvisionSignup(ctx context.Context, userID string, monthlyCredits int, periodStart time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_ledgers (user_id, total_credits_ever_granted,
		     subscription_credits_remaining, addon_credits_remaining, credits_remaining,
		     cycle_used_credits, cycle_start_at, created_at, updated_at)
		 VALUES ($1, $2, $2, 0, $2, 0, $3, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		monthlyCredits,
		periodStart,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to provision signup ledger", err)
	}
	return nil
}
