package types

import (
	"context"
	"time"
)

// LedgerTxStore opens serialized units of work against the credit ledger.
// The implementation (internal/db) backs each unit with a database
// transaction that holds a row lock on the user's ledger for its duration,
// so concurrent mutations for the same user serialize instead of
// interleaving. Cross-user operations are fully independent.
type LedgerTxStore interface {
	// Begin starts a ledger transaction. The caller must Commit or
	// Rollback; Rollback after Commit is a safe no-op.
	Begin(ctx context.Context) (LedgerTx, error)
}

// LedgerTx is a single atomic unit of ledger work. All reads inside it see
// locked, current state; all writes land together or not at all.
type LedgerTx interface {
	// LockLedger loads the user's ledger row FOR UPDATE, creating it with
	// zero balances first if the user has none yet (lazy creation).
	LockLedger(ctx context.Context, userID string) (*CreditLedger, error)

	// SaveLedger persists the mutated balance fields and cycle counters.
	SaveLedger(ctx context.Context, ledger *CreditLedger) error

	// LockConsumableBatches returns the user's addon batches with
	// credits_remaining > 0 and expires_at > now, FOR UPDATE, ordered
	// (created_at ASC, expires_at ASC). Locking them in the same
	// transaction as the ledger keeps FIFO selection race-free.
	LockConsumableBatches(ctx context.Context, userID string, now time.Time) ([]AddonCreditBatch, error)

	// ConsumeBatch decrements a batch's remaining credits. used must not
	// exceed the batch's locked credits_remaining.
	ConsumeBatch(ctx context.Context, batchID string, used int) error

	// CreateBatch inserts a new addon credit batch.
	CreateBatch(ctx context.Context, batch *AddonCreditBatch) error

	// ExpireBatches zeroes every batch for the user whose expires_at is at
	// or before cutoff, returning the number of batches touched.
	ExpireBatches(ctx context.Context, userID string, cutoff time.Time) (int, error)

	// InsertTransaction appends one immutable audit row.
	InsertTransaction(ctx context.Context, tx *CreditTransaction) error

	// InsertAdjustment appends one admin adjustment row.
	InsertAdjustment(ctx context.Context, adj *CreditAdjustment) error

	// MarkTrialPreviewUsed flips the user's one-shot trial preview flag.
	// Returns false without mutating when the flag was already set, so the
	// side effect happens exactly once even under retries.
	MarkTrialPreviewUsed(ctx context.Context, userID string, at time.Time) (bool, error)

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
