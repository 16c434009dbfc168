package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"creditledger/internal/types"
)

// ActionCatalogRepo provides read access to the credit action catalog:
// credit_actions, plan_credit_configs, and subscription_plans. These are
// reference tables seeded at deploy time; the engine only reads them.
type ActionCatalogRepo struct {
	db DBTX
}

// NewActionCatalogRepo creates a new ActionCatalogRepo backed by the given
// database connection (pool or transaction).
func NewActionCatalogRepo(db DBTX) *ActionCatalogRepo {
	return &ActionCatalogRepo{db: db}
}

// GetAction resolves an action by its unique name. An unknown or inactive
// action is a configuration error: correctly seeded systems never hit it.
func (r *ActionCatalogRepo) GetAction(ctx context.Context, name string) (*types.CreditAction, error) {
	var a types.CreditAction
	err := r.db.QueryRow(ctx,
		`SELECT id, name, base_credit_cost, is_active
		 FROM credit_actions
		 WHERE name = $1`,
		name,
	).Scan(&a.ID, &a.Name, &a.BaseCreditCost, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeUnknownAction,
				fmt.Sprintf("credit action %q is not configured", name), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load credit action", err)
	}
	if !a.IsActive {
		return nil, types.NewAppError(types.ErrCodeInactiveAction,
			fmt.Sprintf("credit action %q is disabled", name), nil)
	}
	return &a, nil
}

// GetPlanConfig returns the plan-specific cost/limit override for an action,
// or nil when the plan has none (the caller falls back to the action's base
// cost with no limits).
func (r *ActionCatalogRepo) GetPlanConfig(ctx context.Context, planID, actionID string) (*types.PlanCreditConfig, error) {
	var c types.PlanCreditConfig
	err := r.db.QueryRow(ctx,
		`SELECT plan_id, action_id, credit_cost, monthly_limit, daily_limit
		 FROM plan_credit_configs
		 WHERE plan_id = $1 AND action_id = $2`,
		planID,
		actionID,
	).Scan(&c.PlanID, &c.ActionID, &c.CreditCost, &c.MonthlyLimit, &c.DailyLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan credit config", err)
	}
	return &c, nil
}

// GetPlan returns a subscription plan by ID.
func (r *ActionCatalogRepo) GetPlan(ctx context.Context, planID string) (*types.SubscriptionPlan, error) {
	var p types.SubscriptionPlan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, monthly_credits, COALESCE(provider_price_id, '')
		 FROM subscription_plans
		 WHERE id = $1`,
		planID,
	).Scan(&p.ID, &p.Name, &p.MonthlyCredits, &p.ProviderPriceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
				fmt.Sprintf("subscription plan %q not found", planID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription plan", err)
	}
	return &p, nil
}
