package db

import (
	"context"
	"time"

	"creditledger/internal/types"
)

// UsageTrackingRepo provides data access for the credit_usage_tracking
// table: one counter row per user, action, and UTC day.
//
// This table backs only the evaluator's daily/monthly per-action limits; it
// is independent of the credit balance itself and is treated as best-effort
// everywhere. Callers swallow Increment failures and treat read failures as
// zero usage.
type UsageTrackingRepo struct {
	db DBTX
}

// NewUsageTrackingRepo creates a new UsageTrackingRepo backed by the given
// database connection (pool or transaction).
func NewUsageTrackingRepo(db DBTX) *UsageTrackingRepo {
	return &UsageTrackingRepo{db: db}
}

// DailyCount returns the user's usage count for the action on the given UTC
// day. A missing row is zero usage.
func (r *UsageTrackingRepo) DailyCount(ctx context.Context, userID, actionID string, day time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(usage_count), 0)
		 FROM credit_usage_tracking
		 WHERE user_id = $1
		   AND action_id = $2
		   AND usage_date = $3`,
		userID,
		actionID,
		day.UTC().Truncate(24*time.Hour),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to get daily usage count", err)
	}
	return count, nil
}

// MonthlyCount sums the user's usage for the action across the calendar
// month containing the given instant.
func (r *UsageTrackingRepo) MonthlyCount(ctx context.Context, userID, actionID string, at time.Time) (int, error) {
	at = at.UTC()
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)

	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(usage_count), 0)
		 FROM credit_usage_tracking
		 WHERE user_id = $1
		   AND action_id = $2
		   AND usage_date >= $3
		   AND usage_date < $4`,
		userID,
		actionID,
		monthStart,
		monthStart.AddDate(0, 1, 0),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to get monthly usage count", err)
	}
	return count, nil
}

// Increment bumps the day's counter, creating the row on first use.
//
// SQL: INSERT INTO credit_usage_tracking (user_id, action_id, usage_date, usage_count)
//
//	VALUES ($1, $2, $3, 1)
//	ON CONFLICT (user_id, action_id, usage_date)
//	DO UPDATE SET usage_count = credit_usage_tracking.usage_count + 1
func (r *UsageTrackingRepo) Increment(ctx context.Context, userID, actionID string, day time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_usage_tracking (user_id, action_id, usage_date, usage_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (user_id, action_id, usage_date)
		 DO UPDATE SET usage_count = credit_usage_tracking.usage_count + 1`,
		userID,
		actionID,
		day.UTC().Truncate(24*time.Hour),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage tracking", err)
	}
	return nil
}
