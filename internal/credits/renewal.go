package credits

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"creditledger/internal/types"
)

// ResetOnRenewal reallocates the user's credits for a new billing cycle. It
// is triggered by the billing event worker once per cycle rollover, never by
// a timer.
//
// Semantics:
//   - unused subscription credit is discarded, never rolled over: the pool
//     is set to the plan's monthly allotment outright
//   - all addon credit expires at the cycle boundary: every batch with
//     expires_at at or before the new period end is zeroed and the addon
//     pool drops to zero
//   - the per-cycle usage counter restarts at the new period start
//
// Returns false when the user has no active subscription (no-op, not an
// error). Returns true without mutating anything when the reset for this
// period already happened (last_cycle_reset_at >= current_period_start), so
// webhook redelivery is harmless.
func (s *Service) ResetOnRenewal(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, types.NewAppError(types.ErrCodeMissingUserID, "user ID is required", nil)
	}

	sub, err := s.subs.GetActive(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, nil
	}

	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer s.rollback(ctx, tx)

	ledger, err := tx.LockLedger(ctx, userID)
	if err != nil {
		return false, err
	}

	// Idempotency guard: the reset for this period already ran.
	if ledger.LastCycleResetAt != nil && !ledger.LastCycleResetAt.Before(sub.CurrentPeriodStart) {
		return true, nil
	}

	ledger.SubscriptionCreditsRemaining = plan.MonthlyCredits
	ledger.AddonCreditsRemaining = 0
	ledger.Recompute()
	ledger.CycleUsedCredits = 0
	periodStart := sub.CurrentPeriodStart
	ledger.CycleStartAt = &periodStart
	ledger.LastCycleResetAt = &now

	expired, err := tx.ExpireBatches(ctx, userID, sub.CurrentPeriodEnd)
	if err != nil {
		return false, err
	}

	if err := tx.SaveLedger(ctx, ledger); err != nil {
		return false, err
	}

	// Audit the reallocation. Zeroing the addon pool here represents
	// expiry, not usage; the renewal reference type is what distinguishes
	// it from a deduction in the trail. Plans without an allotment grant
	// nothing and leave no transaction row.
	if plan.MonthlyCredits > 0 {
		if err := tx.InsertTransaction(ctx, &types.CreditTransaction{
			ID:              "txn_" + uuid.New().String(),
			UserID:          userID,
			TransactionType: types.TxTypeAddition,
			CreditsAmount:   plan.MonthlyCredits,
			BalanceAfter:    ledger.CreditsRemaining,
			Description:     "billing cycle renewal",
			ReferenceID:     sub.ID,
			ReferenceType:   types.RefTypeRenewal,
			CreatedAt:       now,
		}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	s.logger.Info("subscription credits reset on renewal",
		slog.String("user_id", userID),
		slog.String("plan_id", plan.ID),
		slog.Int("monthly_credits", plan.MonthlyCredits),
		slog.Int("expired_batches", expired),
		slog.Time("period_start", sub.CurrentPeriodStart),
	)
	return true, nil
}
