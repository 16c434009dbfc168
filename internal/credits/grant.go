package credits

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"creditledger/internal/types"
)

// GrantOptions carries the audit context for a credit grant.
type GrantOptions struct {
	Description   string
	ReferenceID   string
	ReferenceType string
	// AdjustedBy identifies the operator for admin adjustments.
	AdjustedBy string
	Metadata   types.TransactionMetadata
}

// addonReference reports whether a reference type routes the grant into the
// addon pool. Everything else (admin bonuses, referral rewards, empty)
// lands in the subscription pool.
func addonReference(refType string) bool {
	return refType == types.RefTypeAddon || refType == types.RefTypeAddonPurchase
}

// AddCredits is the only credit-increasing mutation path. The amount is
// routed into the pool selected by the reference type; addon grants also
// create an AddonCreditBatch expiring at the holder's current period end.
// totalCreditsEverGranted always grows by the amount, and the aggregate
// balance is recomputed from the pools rather than trusted.
//
// Admin grants (reference type "admin" or empty) are recorded as a
// credit_adjustments row instead of a ledger transaction, so admin
// corrections need no synthetic action in the user-facing history.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int, opts GrantOptions) (*types.GrantResult, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeMissingUserID, "user ID is required", nil)
	}
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeInvalidAmount, "grant amount must be positive", nil)
	}

	now := s.clock.Now()
	isAddon := addonReference(opts.ReferenceType)

	// Addon batches expire at the purchaser's current period end. Without a
	// live subscription period to pin to, fall back to a fixed lifetime.
	expiresAt := now.Add(s.addonFallbackExpiry)
	if isAddon {
		sub, err := s.subs.GetLatest(ctx, userID)
		if err != nil {
			return nil, err
		}
		if sub != nil && sub.CurrentPeriodEnd.After(now) {
			expiresAt = sub.CurrentPeriodEnd
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.rollback(ctx, tx)

	ledger, err := tx.LockLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	if isAddon {
		if err := tx.CreateBatch(ctx, &types.AddonCreditBatch{
			ID:               "bat_" + uuid.New().String(),
			UserID:           userID,
			CreditsAmount:    amount,
			CreditsRemaining: amount,
			ExpiresAt:        expiresAt,
			CreatedAt:        now,
		}); err != nil {
			return nil, err
		}
		ledger.AddonCreditsRemaining += amount
	} else {
		ledger.SubscriptionCreditsRemaining += amount
	}

	ledger.TotalCreditsEverGranted += amount
	ledger.Recompute()

	if err := tx.SaveLedger(ctx, ledger); err != nil {
		return nil, err
	}

	if opts.ReferenceType == "" || opts.ReferenceType == types.RefTypeAdmin {
		err = tx.InsertAdjustment(ctx, &types.CreditAdjustment{
			ID:            "adj_" + uuid.New().String(),
			UserID:        userID,
			CreditsAmount: amount,
			BalanceAfter:  ledger.CreditsRemaining,
			Reason:        opts.Description,
			AdjustedBy:    opts.AdjustedBy,
			CreatedAt:     now,
		})
	} else {
		err = tx.InsertTransaction(ctx, &types.CreditTransaction{
			ID:              "txn_" + uuid.New().String(),
			UserID:          userID,
			TransactionType: types.TxTypeAddition,
			CreditsAmount:   amount,
			BalanceAfter:    ledger.CreditsRemaining,
			Description:     opts.Description,
			ReferenceID:     opts.ReferenceID,
			ReferenceType:   opts.ReferenceType,
			Metadata:        opts.Metadata,
			CreatedAt:       now,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("credits granted",
		slog.String("user_id", userID),
		slog.Int("amount", amount),
		slog.String("reference_type", opts.ReferenceType),
		slog.Bool("addon", isAddon),
		slog.Int("balance_after", ledger.CreditsRemaining),
	)

	return &types.GrantResult{
		TotalCredits:     ledger.TotalCreditsEverGranted,
		CreditsRemaining: ledger.CreditsRemaining,
	}, nil
}
