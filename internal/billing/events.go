package billing

import (
	"context"
	"log/slog"
	"time"

	"creditledger/internal/types"
)

// SubscriptionStateWriter persists provider subscription state. Implemented
// by db.SubscriptionStateRepo.
type SubscriptionStateWriter interface {
	// ApplyEvent upserts subscription state with optimistic locking on the
	// event timestamp; stale events are idempotent no-ops.
	ApplyEvent(ctx context.Context, sub *types.UserSubscription, eventAt time.Time) error

	// SetPaymentFailure records or clears the dunning timestamp.
	SetPaymentFailure(ctx context.Context, subID string, failedAt *time.Time) error

	// SetRenderingBlocked flips the rendering block flag.
	SetRenderingBlocked(ctx context.Context, subID string, blocked bool) error
}

// CycleResetter triggers the credit reallocation for a renewed cycle.
// Implemented by credits.Service.
type CycleResetter interface {
	ResetOnRenewal(ctx context.Context, userID string) (bool, error)
}

// SignupProvisioner creates the signup ledger pre-filled with the free
// plan's allotment. Implemented by db.CreditLedgerRepo.
type SignupProvisioner interface {
	ProvisionSignup(ctx context.Context, userID string, monthlyCredits int, periodStart time.Time) error
}

// SubscriptionEvent is one already-verified billing-provider event, as
// decoded by the webhook worker. This engine trusts the caller: signature
// verification and period-boundary computation happen upstream.
type SubscriptionEvent struct {
	SubscriptionID     string
	UserID             string
	PlanID             string
	ProviderSubID      string
	Status             types.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// Renewed marks an invoice-paid rollover into a new period; it
	// forwards into the cycle reset engine after the state lands.
	Renewed bool
	// OccurredAt is the provider's event timestamp, used for optimistic
	// locking against out-of-order delivery.
	OccurredAt time.Time
}

// EventApplier translates provider billing events into local subscription
// state and credit-engine triggers.
type EventApplier struct {
	subs    SubscriptionStateWriter
	credits CycleResetter
	ledgers SignupProvisioner
	plans   PlanRegistry
	logger  *slog.Logger
}

// NewEventApplier creates an EventApplier with the given dependencies.
func NewEventApplier(
	subs SubscriptionStateWriter,
	credits CycleResetter,
	ledgers SignupProvisioner,
	plans PlanRegistry,
	logger *slog.Logger,
) *EventApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventApplier{
		subs:    subs,
		credits: credits,
		ledgers: ledgers,
		plans:   plans,
		logger:  logger,
	}
}

// ApplySubscriptionEvent syncs the local subscription row and, for renewal
// events, runs the cycle reset. The state write and the reset are separate
// transactions on purpose: the reset is idempotent per period, so a crash
// between the two is healed by redelivery.
func (a *EventApplier) ApplySubscriptionEvent(ctx context.Context, ev *SubscriptionEvent) error {
	sub := &types.UserSubscription{
		ID:                 ev.SubscriptionID,
		UserID:             ev.UserID,
		PlanID:             ev.PlanID,
		Status:             ev.Status,
		CurrentPeriodStart: ev.CurrentPeriodStart,
		CurrentPeriodEnd:   ev.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ev.CancelAtPeriodEnd,
		ProviderSubID:      ev.ProviderSubID,
	}
	if err := a.subs.ApplyEvent(ctx, sub, ev.OccurredAt); err != nil {
		return err
	}

	if !ev.Renewed {
		return nil
	}

	reset, err := a.credits.ResetOnRenewal(ctx, ev.UserID)
	if err != nil {
		return err
	}
	a.logger.Info("renewal event processed",
		slog.String("user_id", ev.UserID),
		slog.String("subscription_id", ev.SubscriptionID),
		slog.Bool("credits_reset", reset),
	)
	return nil
}

// ApplyPaymentFailure records the dunning timestamp reported by the
// provider. Passing a nil time clears it (payment recovered).
func (a *EventApplier) ApplyPaymentFailure(ctx context.Context, subscriptionID string, failedAt *time.Time) error {
	return a.subs.SetPaymentFailure(ctx, subscriptionID, failedAt)
}

// ApplyRenderingBlock flips the rendering block once the dunning worker
// decides the grace period is over (or the payment recovered). The decision
// itself is made upstream; this only applies it.
func (a *EventApplier) ApplyRenderingBlock(ctx context.Context, subscriptionID string, blocked bool) error {
	return a.subs.SetRenderingBlocked(ctx, subscriptionID, blocked)
}

// ProvisionSignup creates the new user's ledger pre-filled with the free
// plan's monthly allotment. Safe to call more than once; only the first
// call creates the row.
func (a *EventApplier) ProvisionSignup(ctx context.Context, userID string, signupAt time.Time) error {
	free := a.plans.GetPlan(PlanFree)
	if err := a.ledgers.ProvisionSignup(ctx, userID, free.MonthlyCredits, signupAt); err != nil {
		return err
	}
	a.logger.Info("signup ledger provisioned",
		slog.String("user_id", userID),
		slog.Int("monthly_credits", free.MonthlyCredits),
	)
	return nil
}
