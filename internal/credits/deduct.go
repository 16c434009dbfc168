package credits

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"creditledger/internal/types"
)

// DeductOptions carries the optional audit context for a deduction.
type DeductOptions struct {
	ReferenceID   string
	ReferenceType string
	Description   string
}

// DeductCredits is the only credit-decreasing mutation path. It re-validates
// entitlement, computes the FIFO split across the subscription and addon
// pools, and applies the ledger update, batch decrements, and one audit
// transaction row as a single atomic unit. A deduction is never partially
// applied.
//
// Failure taxonomy:
//   - policy denial: ErrCodeDeniedByPolicy carrying the verdict (expected,
//     retrying won't help until state changes)
//   - unknown/inactive action: configuration error, nothing applied
//   - ErrCodeConflictConcurrent: the datastore aborted the transaction; the
//     whole call is safe to retry because entitlement is re-checked inside
func (s *Service) DeductCredits(ctx context.Context, userID, actionName string, opts DeductOptions) error {
	// Never deduct speculatively: a denial here fails the call with the
	// evaluator's reason.
	verdict, err := s.CanPerformAction(ctx, userID, actionName)
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return types.NewDenialError(verdict)
	}

	action, err := s.catalog.GetAction(ctx, actionName)
	if err != nil {
		return err
	}

	state, err := s.users.GetBillingState(ctx, userID)
	if err != nil {
		return err
	}

	// Trial preview is a zero-cost one-shot: flip the flag and track usage,
	// no ledger mutation and no transaction row.
	if state.IsTrialUser && actionName == s.trialPreviewAction {
		if err := s.consumeTrialPreview(ctx, userID); err != nil {
			return err
		}
		s.trackUsage(ctx, userID, action.ID)
		return nil
	}

	sub, err := s.subs.GetLatest(ctx, userID)
	if err != nil {
		return err
	}

	cost, _, _, err := s.resolveCost(ctx, sub, action)
	if err != nil {
		return err
	}

	// Free actions leave no ledger trace; only the usage counter moves.
	if cost <= 0 {
		s.trackUsage(ctx, userID, action.ID)
		return nil
	}

	if err := s.applyDeduction(ctx, userID, sub, cost, action, opts); err != nil {
		return err
	}

	// Best-effort, after commit: a tracking failure must never roll back a
	// successful deduction.
	s.trackUsage(ctx, userID, action.ID)
	return nil
}

// applyDeduction runs the locked transaction: re-check balance under the
// row lock (the actual anti-double-spend guard), split the cost across the
// pools, persist everything together.
func (s *Service) applyDeduction(ctx context.Context, userID string, sub *types.UserSubscription, cost int, action *types.CreditAction, opts DeductOptions) error {
	now := s.clock.Now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer s.rollback(ctx, tx)

	ledger, err := tx.LockLedger(ctx, userID)
	if err != nil {
		return err
	}

	batches, err := tx.LockConsumableBatches(ctx, userID, now)
	if err != nil {
		return err
	}

	// Batch rows are the source of truth for addon credit; the ledger's
	// aggregate is a cache. Reconcile under the lock before deciding, so a
	// drifted aggregate can neither fund nor block a deduction.
	batchSum := 0
	for _, b := range batches {
		batchSum += b.CreditsRemaining
	}
	if ledger.AddonCreditsRemaining != batchSum {
		s.logger.Warn("addon aggregate drifted from batch rows, reconciling",
			slog.String("user_id", userID),
			slog.Int("aggregate", ledger.AddonCreditsRemaining),
			slog.Int("batch_sum", batchSum),
		)
		ledger.AddonCreditsRemaining = batchSum
		ledger.Recompute()
	}

	// Re-check under the lock. The advisory pre-check can race with a
	// concurrent deduction; this one cannot.
	if ledger.CreditsRemaining < cost {
		return types.NewDenialError(types.Deny(
			types.ReasonInsufficientCredits, ledger.CreditsRemaining, cost))
	}

	// FIFO split: drain the subscription pool first, then addon batches in
	// (created_at ASC, expires_at ASC) order until the shortfall is covered.
	subShare := min(cost, ledger.SubscriptionCreditsRemaining)
	shortfall := cost - subShare
	addonShare := shortfall

	consumed := make(map[string]int)
	for _, b := range batches {
		if shortfall == 0 {
			break
		}
		use := min(b.CreditsRemaining, shortfall)
		if err := tx.ConsumeBatch(ctx, b.ID, use); err != nil {
			return err
		}
		consumed[b.ID] = use
		shortfall -= use
	}
	if shortfall > 0 {
		// Unreachable after the reconciled balance check; kept as a hard
		// stop so a logic bug can never book unattributed addon credit.
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"addon batches could not cover the computed shortfall", nil)
	}

	ledger.SubscriptionCreditsRemaining -= subShare
	ledger.AddonCreditsRemaining -= addonShare
	ledger.Recompute()

	// Per-cycle counter: overwrite when the stored counter belongs to an
	// older billing period, otherwise accumulate.
	if sub != nil {
		if ledger.CycleStale(sub.CurrentPeriodStart) {
			ledger.CycleUsedCredits = cost
		} else {
			ledger.CycleUsedCredits += cost
		}
		periodStart := sub.CurrentPeriodStart
		ledger.CycleStartAt = &periodStart
	}

	if err := tx.SaveLedger(ctx, ledger); err != nil {
		return err
	}

	if err := tx.InsertTransaction(ctx, &types.CreditTransaction{
		ID:              "txn_" + uuid.New().String(),
		UserID:          userID,
		TransactionType: types.TxTypeDeduction,
		CreditsAmount:   cost,
		BalanceAfter:    ledger.CreditsRemaining,
		Description:     opts.Description,
		ReferenceID:     opts.ReferenceID,
		ReferenceType:   opts.ReferenceType,
		Metadata:        types.DeductionMetadata(subShare, addonShare, consumed),
		CreatedAt:       now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("credits deducted",
		slog.String("user_id", userID),
		slog.String("action", action.Name),
		slog.Int("cost", cost),
		slog.Int("subscription_share", subShare),
		slog.Int("addon_share", addonShare),
		slog.Int("balance_after", ledger.CreditsRemaining),
	)
	return nil
}

// consumeTrialPreview flips the one-shot trial flag inside its own
// transaction. The flag guards itself: if another call won the race, this
// one fails with the already-used denial instead of silently double-using.
func (s *Service) consumeTrialPreview(ctx context.Context, userID string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer s.rollback(ctx, tx)

	flipped, err := tx.MarkTrialPreviewUsed(ctx, userID, s.clock.Now())
	if err != nil {
		return err
	}
	if !flipped {
		return types.NewDenialError(types.Deny(types.ReasonTrialPreviewUsed, 0, 0))
	}

	return tx.Commit(ctx)
}
