package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"creditledger/internal/types"
)

// TxBeginner is the subset of *pgxpool.Pool needed to open transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerStore implements types.LedgerTxStore on top of PostgreSQL. Each
// Begin opens one pgx transaction; the resulting ledgerTx composes the
// row-level repositories over that transaction so every operation inside it
// shares the same locks and commits atomically.
type LedgerStore struct {
	db TxBeginner
}

// NewLedgerStore creates a LedgerStore backed by the given pool.
func NewLedgerStore(db TxBeginner) *LedgerStore {
	return &LedgerStore{db: db}
}

// Compile-time interface assertion.
var _ types.LedgerTxStore = (*LedgerStore)(nil)

// Begin opens a database transaction and wraps it in a types.LedgerTx.
func (s *LedgerStore) Begin(ctx context.Context) (types.LedgerTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin ledger transaction", err)
	}
	return &ledgerTx{
		tx:        tx,
		ledgers:   NewCreditLedgerRepo(tx),
		batches:   NewAddonBatchRepo(tx),
		txLog:     NewCreditTransactionRepo(tx),
		userState: NewUserStateRepo(tx),
	}, nil
}

// ledgerTx is the pgx-backed types.LedgerTx. It delegates to the concrete
// repositories, all bound to the same pgx.Tx.
type ledgerTx struct {
	tx        pgx.Tx
	ledgers   *CreditLedgerRepo
	batches   *AddonBatchRepo
	txLog     *CreditTransactionRepo
	userState *UserStateRepo
}

var _ types.LedgerTx = (*ledgerTx)(nil)

func (t *ledgerTx) LockLedger(ctx context.Context, userID string) (*types.CreditLedger, error) {
	return t.ledgers.GetForUpdate(ctx, userID)
}

func (t *ledgerTx) SaveLedger(ctx context.Context, ledger *types.CreditLedger) error {
	return t.ledgers.Save(ctx, ledger)
}

func (t *ledgerTx) LockConsumableBatches(ctx context.Context, userID string, now time.Time) ([]types.AddonCreditBatch, error) {
	return t.batches.ListConsumableForUpdate(ctx, userID, now)
}

func (t *ledgerTx) ConsumeBatch(ctx context.Context, batchID string, used int) error {
	return t.batches.Consume(ctx, batchID, used)
}

func (t *ledgerTx) CreateBatch(ctx context.Context, batch *types.AddonCreditBatch) error {
	return t.batches.Create(ctx, batch)
}

func (t *ledgerTx) ExpireBatches(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	return t.batches.ExpireBefore(ctx, userID, cutoff)
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, tx *types.CreditTransaction) error {
	return t.txLog.Insert(ctx, tx)
}

func (t *ledgerTx) InsertAdjustment(ctx context.Context, adj *types.CreditAdjustment) error {
	return t.txLog.InsertAdjustment(ctx, adj)
}

func (t *ledgerTx) MarkTrialPreviewUsed(ctx context.Context, userID string, at time.Time) (bool, error) {
	return t.userState.MarkTrialPreviewUsed(ctx, userID, at)
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "ledger transaction commit failed", err)
	}
	return nil
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && err != pgx.ErrTxClosed {
		return types.NewAppError(types.ErrCodeInternalDB, "ledger transaction rollback failed", err)
	}
	return nil
}
