package credits

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"creditledger/internal/types"
)

// CanPerformAction is the entitlement evaluator: a pure read combining trial
// status, subscription state, balance, and per-action limits into an
// allow/deny verdict with a machine-readable reason.
//
// Evaluation order (first terminal rule wins):
//  1. Trial gate: trial users may perform only the preview action, once.
//  2. Rendering-block gate: payment-failure grace period expired.
//  3. Subscription-expiry gate: canceled (or cancel-at-period-end) with the
//     current period already over.
//  4. Balance vs. resolved cost (plan override, else base cost).
//  5. Plan-config limits: monthly, daily, and the per-cycle cap.
//
// It is safe to call repeatedly and races benignly with concurrent
// deductions; the deduction engine's own re-check under the row lock is the
// actual anti-double-spend guard. This standalone form is advisory.
func (s *Service) CanPerformAction(ctx context.Context, userID, actionName string) (*types.Verdict, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeMissingUserID, "user ID is required", nil)
	}

	state, err := s.users.GetBillingState(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Gate 1: trial users get exactly one free preview render.
	if state.IsTrialUser {
		if actionName != s.trialPreviewAction {
			return types.Deny(types.ReasonTrialSubRequired, 0, 0), nil
		}
		if state.TrialPreviewUsed {
			return types.Deny(types.ReasonTrialPreviewUsed, 0, 0), nil
		}
		return types.Allow(0, 0), nil
	}

	action, err := s.catalog.GetAction(ctx, actionName)
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.GetLatest(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Gate 2: rendering blocked after the dunning grace period expired.
	// Balance is deliberately not consulted; paying is the only way out.
	if sub != nil && sub.RenderingBlocked {
		return types.Deny(types.ReasonRenderingBlocked, 0, action.BaseCreditCost), nil
	}

	// Gate 3: subscription ended and the paid period is over.
	if sub != nil && sub.Expired(s.clock.Now()) {
		return types.Deny(types.ReasonSubExpired, 0, action.BaseCreditCost), nil
	}

	ledger, err := s.ledgers.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost, cfg, plan, err := s.resolveCost(ctx, sub, action)
	if err != nil {
		return nil, err
	}

	verdict := &types.Verdict{
		Allowed:         true,
		CurrentCredits:  ledger.CreditsRemaining,
		RequiredCredits: cost,
	}

	// Without a plan-specific config there are no limits to enforce; the
	// decision is purely balance vs. base cost.
	if cfg == nil {
		if ledger.CreditsRemaining < cost {
			verdict.Allowed = false
			verdict.Reason = types.ReasonInsufficientCredits
		}
		return verdict, nil
	}

	verdict.MonthlyLimit = cfg.MonthlyLimit
	verdict.DailyLimit = cfg.DailyLimit
	verdict.MonthlyUsed, verdict.DailyUsed = s.usageCounts(ctx, userID, action.ID)

	// Deny-reason precedence: insufficient credits > monthly limit >
	// daily limit > plan cycle exhausted. Report only the most relevant
	// reason even when several conditions fail.
	switch {
	case ledger.CreditsRemaining < cost:
		verdict.Allowed = false
		verdict.Reason = types.ReasonInsufficientCredits

	case cfg.MonthlyLimit != nil && verdict.MonthlyUsed >= *cfg.MonthlyLimit:
		verdict.Allowed = false
		verdict.Reason = types.ReasonMonthlyLimitReached

	case cfg.DailyLimit != nil && verdict.DailyUsed >= *cfg.DailyLimit:
		verdict.Allowed = false
		verdict.Reason = types.ReasonDailyLimitReached

	case s.cycleExhausted(ledger, sub, plan, cost):
		verdict.Allowed = false
		verdict.Reason = types.ReasonPlanCycleExhausted
	}

	return verdict, nil
}

// resolveCost determines the action's cost for the user's plan: the
// plan-specific override when one exists, otherwise the base cost with no
// limits. The plan itself is loaded only when a config exists, since the
// per-cycle cap is scoped to configured plans.
func (s *Service) resolveCost(ctx context.Context, sub *types.UserSubscription, action *types.CreditAction) (int, *types.PlanCreditConfig, *types.SubscriptionPlan, error) {
	if sub == nil {
		return action.BaseCreditCost, nil, nil, nil
	}

	cfg, err := s.catalog.GetPlanConfig(ctx, sub.PlanID, action.ID)
	if err != nil {
		return 0, nil, nil, err
	}
	if cfg == nil {
		return action.BaseCreditCost, nil, nil, nil
	}

	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return 0, nil, nil, err
	}
	return cfg.CreditCost, cfg, plan, nil
}

// cycleExhausted applies the plan-wide monthly allotment cap. It is enforced
// only for plans with a positive allotment, and the stored counter is
// treated as zero when it belongs to an older billing period than the
// subscription's current one (the lazy self-heal: drift fixes itself on the
// next evaluation instead of needing a scheduled reconciliation job).
//
// The cap compares the whole action cost against the allotment even when
// addon credit would fund part of the deduction: addon purchases extend the
// balance, not the cycle cap.
func (s *Service) cycleExhausted(ledger *types.CreditLedger, sub *types.UserSubscription, plan *types.SubscriptionPlan, cost int) bool {
	if plan == nil || plan.MonthlyCredits <= 0 || sub == nil {
		return false
	}
	used := ledger.CycleUsedCredits
	if ledger.CycleStale(sub.CurrentPeriodStart) {
		used = 0
	}
	return used+cost > plan.MonthlyCredits
}

// usageCounts fetches the monthly and daily usage counters concurrently.
// Failures are logged and reported as zero usage: available-but-empty is
// safer than blocking legitimate users on a tracking-store outage.
func (s *Service) usageCounts(ctx context.Context, userID, actionID string) (monthly, daily int) {
	now := s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.usage.MonthlyCount(gctx, userID, actionID, now)
		if err != nil {
			s.logger.Warn("monthly usage lookup failed, assuming zero",
				slog.String("user_id", userID),
				slog.String("action_id", actionID),
				slog.Any("error", err),
			)
			return nil
		}
		monthly = n
		return nil
	})
	g.Go(func() error {
		n, err := s.usage.DailyCount(gctx, userID, actionID, now)
		if err != nil {
			s.logger.Warn("daily usage lookup failed, assuming zero",
				slog.String("user_id", userID),
				slog.String("action_id", actionID),
				slog.Any("error", err),
			)
			return nil
		}
		daily = n
		return nil
	})
	_ = g.Wait() // goroutines never return errors; they degrade to zero

	return monthly, daily
}
