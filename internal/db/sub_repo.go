package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"creditledger/internal/types"
)

// SubscriptionStateRepo manages the locally synchronized copy of the billing
// provider's subscription objects (user_subscriptions table).
//
// Key invariants:
//   - ApplyEvent uses optimistic locking via last_event_at to handle
//     out-of-order provider webhooks: stale events are idempotent no-ops.
//   - Period boundaries and status are authoritative provider values; this
//     repo never computes them.
type SubscriptionStateRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionStateRepo creates a new SubscriptionStateRepo backed by the
// given database connection (pool or transaction).
func NewSubscriptionStateRepo(db DBTX, logger *slog.Logger) *SubscriptionStateRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionStateRepo{db: db, logger: logger}
}

const subscriptionColumns = `id, user_id, plan_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	rendering_blocked, payment_failed_at, COALESCE(provider_subscription_id, ''),
	last_event_at, created_at`

func scanSubscription(row pgx.Row) (*types.UserSubscription, error) {
	var s types.UserSubscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.RenderingBlocked,
		&s.PaymentFailedAt,
		&s.ProviderSubID,
		&s.LastEventAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatest returns the user's most recent subscription, or (nil, nil) when
// the user has never subscribed. The entitlement evaluator treats both a
// missing subscription and a free-tier one the same way, so absence is not
// an error here.
func (r *SubscriptionStateRepo) GetLatest(ctx context.Context, userID string) (*types.UserSubscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// GetActive returns the user's most recent subscription in a billable state
// (active, trialing, or past_due within its period), or (nil, nil) if none.
// The cycle reset engine uses this to find the plan whose allotment to grant.
func (r *SubscriptionStateRepo) GetActive(ctx context.Context, userID string) (*types.UserSubscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions
		 WHERE user_id = $1
		   AND status IN ('active', 'trialing', 'past_due')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load active subscription", err)
	}
	return sub, nil
}

// ApplyEvent upserts subscription state from a provider event.
//
// Invariants enforced:
//  1. Optimistic locking: the UPDATE is rejected when eventAt is not newer
//     than the stored last_event_at. Old or duplicate events are silently
//     ignored (idempotent no-op), which makes webhook redelivery safe.
//  2. Status and period boundaries are written exactly as received; no local
//     recomputation.
func (r *SubscriptionStateRepo) ApplyEvent(ctx context.Context, sub *types.UserSubscription, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_subscriptions
		     (id, user_id, plan_id, status, current_period_start, current_period_end,
		      cancel_at_period_end, provider_subscription_id, last_event_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (id) DO UPDATE
		   SET plan_id = EXCLUDED.plan_id,
		       status = EXCLUDED.status,
		       current_period_start = EXCLUDED.current_period_start,
		       current_period_end = EXCLUDED.current_period_end,
		       cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		       provider_subscription_id = EXCLUDED.provider_subscription_id,
		       last_event_at = EXCLUDED.last_event_at
		   WHERE user_subscriptions.last_event_at IS NULL
		      OR user_subscriptions.last_event_at < EXCLUDED.last_event_at`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.ProviderSubID,
		eventAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription event", err)
	}

	if tag.RowsAffected() == 0 {
		// Event is older than or equal to what we already have.
		r.logger.Info("stale subscription event ignored (optimistic lock)",
			slog.String("subscription_id", sub.ID),
			slog.String("user_id", sub.UserID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// SetPaymentFailure records the dunning state by setting payment_failed_at.
// Called when the provider reports a failed invoice; the grace-period math
// that eventually flips rendering_blocked lives outside this engine.
func (r *SubscriptionStateRepo) SetPaymentFailure(ctx context.Context, subID string, failedAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_subscriptions
		 SET payment_failed_at = $1
		 WHERE id = $2`,
		failedAt,
		subID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update payment failure state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// SetRenderingBlocked flips the rendering block flag. The dunning worker
// calls this once the payment-failure grace period expires (block) or after
// a successful payment (unblock).
func (r *SubscriptionStateRepo) SetRenderingBlocked(ctx context.Context, subID string, blocked bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_subscriptions
		 SET rendering_blocked = $1
		 WHERE id = $2`,
		blocked,
		subID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update rendering block", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
