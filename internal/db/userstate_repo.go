package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"creditledger/internal/types"
)

// UserStateRepo reads and writes the billing-related columns on the users
// table: the trial flag and the one-shot trial preview marker. Identity
// itself is owned by the external auth provider; this repo only touches the
// billing columns.
type UserStateRepo struct {
	db DBTX
}

// NewUserStateRepo creates a new UserStateRepo backed by the given database
// connection (pool or transaction).
func NewUserStateRepo(db DBTX) *UserStateRepo {
	return &UserStateRepo{db: db}
}

// GetBillingState returns the user's trial flags.
func (r *UserStateRepo) GetBillingState(ctx context.Context, userID string) (*types.UserBillingState, error) {
	var s types.UserBillingState
	err := r.db.QueryRow(ctx,
		`SELECT id, is_trial_user, trial_preview_used, trial_preview_used_at
		 FROM users
		 WHERE id = $1`,
		userID,
	).Scan(&s.UserID, &s.IsTrialUser, &s.TrialPreviewUsed, &s.TrialPreviewUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load user billing state", err)
	}
	return &s, nil
}

// MarkTrialPreviewUsed flips the one-shot trial preview flag. The WHERE
// clause is guarded by the flag itself, so the flip happens exactly once:
// a second caller gets zero rows affected and a false return.
func (r *UserStateRepo) MarkTrialPreviewUsed(ctx context.Context, userID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET trial_preview_used = TRUE,
		     trial_preview_used_at = $1
		 WHERE id = $2
		   AND trial_preview_used = FALSE`,
		at,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark trial preview used", err)
	}
	return tag.RowsAffected() > 0, nil
}
