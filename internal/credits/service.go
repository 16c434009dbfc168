// Package credits implements the credit ledger and entitlement engine: the
// rules that decide whether an action is permitted, deduct credits with a
// FIFO subscription-then-addon preference, add credits while preserving the
// pool invariants, and reset allotments on billing-cycle renewal.
//
// The engine is consumed as an internal library by request handlers and the
// billing event worker; it owns no HTTP surface. All mutations run inside a
// single database transaction holding a row lock on the user's ledger, so
// concurrent operations for the same user serialize (see types.LedgerTx).
package credits

import (
	"context"
	"log/slog"
	"time"

	"creditledger/internal/types"
)

// LedgerReader provides lock-free read access to a user's ledger. Used only
// by the advisory evaluation path; mutations go through types.LedgerTx.
type LedgerReader interface {
	// Get returns the user's ledger, or a zero-balance ledger when the
	// user has no row yet.
	Get(ctx context.Context, userID string) (*types.CreditLedger, error)
}

// SubscriptionSource provides the subscription state the engine consumes.
// Status and period boundaries are authoritative provider values synced by
// the billing webhook worker.
type SubscriptionSource interface {
	// GetLatest returns the user's most recent subscription regardless of
	// status, or (nil, nil) when the user has never subscribed.
	GetLatest(ctx context.Context, userID string) (*types.UserSubscription, error)

	// GetActive returns the most recent subscription in a billable state,
	// or (nil, nil) if none.
	GetActive(ctx context.Context, userID string) (*types.UserSubscription, error)
}

// UserStateSource provides the trial flags for the entitlement gates.
type UserStateSource interface {
	GetBillingState(ctx context.Context, userID string) (*types.UserBillingState, error)
}

// ActionCatalog resolves actions, per-plan overrides, and plans.
type ActionCatalog interface {
	// GetAction resolves an action by name. Unknown or inactive actions
	// are configuration errors.
	GetAction(ctx context.Context, name string) (*types.CreditAction, error)

	// GetPlanConfig returns the plan-specific override for an action, or
	// (nil, nil) when the plan has none.
	GetPlanConfig(ctx context.Context, planID, actionID string) (*types.PlanCreditConfig, error)

	// GetPlan returns the plan, including its monthly credit allotment.
	GetPlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error)
}

// UsageSource provides the per-action usage counters. It is best-effort
// infrastructure: the engine logs and tolerates its failures rather than
// blocking users on an auxiliary subsystem outage.
type UsageSource interface {
	DailyCount(ctx context.Context, userID, actionID string, day time.Time) (int, error)
	MonthlyCount(ctx context.Context, userID, actionID string, at time.Time) (int, error)
	Increment(ctx context.Context, userID, actionID string, day time.Time) error
}

// Options tunes engine behavior. Zero values select production defaults.
type Options struct {
	// TrialPreviewAction is the single action trial users may perform.
	// Defaults to "preview_render".
	TrialPreviewAction string

	// AddonFallbackExpiry is the batch lifetime used when the buyer has no
	// subscription period end to pin the expiry to. Defaults to 30 days.
	AddonFallbackExpiry time.Duration

	// Clock overrides time for tests. Defaults to types.RealClock.
	Clock types.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service is the credit ledger engine. Construct with New; all fields are
// immutable after construction and the service is safe for concurrent use.
type Service struct {
	store   types.LedgerTxStore
	ledgers LedgerReader
	subs    SubscriptionSource
	users   UserStateSource
	catalog ActionCatalog
	usage   UsageSource

	trialPreviewAction  string
	addonFallbackExpiry time.Duration
	clock               types.Clock
	logger              *slog.Logger
}

// New creates the engine with the given stores and options.
func New(
	store types.LedgerTxStore,
	ledgers LedgerReader,
	subs SubscriptionSource,
	users UserStateSource,
	catalog ActionCatalog,
	usage UsageSource,
	opts Options,
) *Service {
	if opts.TrialPreviewAction == "" {
		opts.TrialPreviewAction = "preview_render"
	}
	if opts.AddonFallbackExpiry <= 0 {
		opts.AddonFallbackExpiry = 30 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:               store,
		ledgers:             ledgers,
		subs:                subs,
		users:               users,
		catalog:             catalog,
		usage:               usage,
		trialPreviewAction:  opts.TrialPreviewAction,
		addonFallbackExpiry: opts.AddonFallbackExpiry,
		clock:               opts.Clock,
		logger:              opts.Logger,
	}
}

// trackUsage bumps the per-day usage counter after a successful deduction.
// Usage analytics is best-effort and must never fail or roll back the
// deduction itself, so errors are logged and swallowed.
func (s *Service) trackUsage(ctx context.Context, userID, actionID string) {
	if err := s.usage.Increment(ctx, userID, actionID, s.clock.Now()); err != nil {
		s.logger.Warn("usage tracking increment failed",
			slog.String("user_id", userID),
			slog.String("action_id", actionID),
			slog.Any("error", err),
		)
	}
}

// rollback releases a ledger transaction on the error paths, logging any
// rollback failure instead of masking the original error.
func (s *Service) rollback(ctx context.Context, tx types.LedgerTx) {
	if err := tx.Rollback(ctx); err != nil {
		s.logger.Error("ledger transaction rollback failed", slog.Any("error", err))
	}
}
