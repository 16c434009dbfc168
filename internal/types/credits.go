// Package types defines the shared domain model for the credit ledger
// platform: the per-user ledger, addon credit batches, the action catalog,
// subscription state, the append-only transaction log, and the verdict
// structure returned by entitlement evaluation.
package types

import "time"

// CreditLedger is the per-user balance record. One row per user, created
// lazily on the first grant or action attempt.
//
// Invariant: CreditsRemaining == SubscriptionCreditsRemaining + AddonCreditsRemaining,
// and all three are >= 0. The aggregate is recomputed from the two pools at
// every write site; a stored aggregate is never trusted when mutating.
type CreditLedger struct {
	UserID                       string     `json:"user_id"`
	TotalCreditsEverGranted      int        `json:"total_credits_ever_granted"`
	SubscriptionCreditsRemaining int        `json:"subscription_credits_remaining"`
	AddonCreditsRemaining        int        `json:"addon_credits_remaining"`
	CreditsRemaining             int        `json:"credits_remaining"`
	CycleUsedCredits             int        `json:"cycle_used_credits"`
	CycleStartAt                 *time.Time `json:"cycle_start_at,omitempty"`
	LastCycleResetAt             *time.Time `json:"last_cycle_reset_at,omitempty"`
	CreatedAt                    time.Time  `json:"created_at"`
	UpdatedAt                    time.Time  `json:"updated_at"`
}

// Recompute derives the aggregate balance from the two pools. Call after any
// pool mutation, before persisting.
func (l *CreditLedger) Recompute() {
	l.CreditsRemaining = l.SubscriptionCreditsRemaining + l.AddonCreditsRemaining
}

// CycleStale reports whether the stored per-cycle usage counter belongs to an
// older billing period than the given period start. A stale counter is
// treated as zero by the evaluator and overwritten by the deduction engine
// (the lazy self-heal described in the platform design; no scheduler runs
// here).
func (l *CreditLedger) CycleStale(periodStart time.Time) bool {
	return l.CycleStartAt == nil || !l.CycleStartAt.Equal(periodStart)
}

// AddonCreditBatch is a single addon purchase's credit pool. Batches are
// consumed oldest-first (created_at ASC, expires_at ASC) and expire at the
// purchaser's billing-period end; expiry zeroes the batch rather than
// deleting it so the original grant stays visible in history.
//
// Invariant: 0 <= CreditsRemaining <= CreditsAmount.
type AddonCreditBatch struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	CreditsAmount    int       `json:"credits_amount"`
	CreditsRemaining int       `json:"credits_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Consumable reports whether the batch can still fund a deduction at the
// given instant.
func (b *AddonCreditBatch) Consumable(now time.Time) bool {
	return b.CreditsRemaining > 0 && b.ExpiresAt.After(now)
}

// CreditAction is a catalog entry for a billable action (scrape_product,
// generate_scene, render_video, ...). BaseCreditCost is the fallback when no
// plan-specific override exists.
type CreditAction struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	BaseCreditCost int    `json:"base_credit_cost"`
	IsActive       bool   `json:"is_active"`
}

// PlanCreditConfig is a per-plan override for a single action: its cost on
// that plan and optional monthly/daily usage caps. Nil limits mean unlimited.
type PlanCreditConfig struct {
	PlanID       string `json:"plan_id"`
	ActionID     string `json:"action_id"`
	CreditCost   int    `json:"credit_cost"`
	MonthlyLimit *int   `json:"monthly_limit,omitempty"`
	DailyLimit   *int   `json:"daily_limit,omitempty"`
}

// SubscriptionPlan describes a purchasable tier. MonthlyCredits is the
// allotment granted to the subscription pool on each cycle renewal; 0 means
// the plan grants no cycle allotment (and the per-cycle cap is not enforced).
type SubscriptionPlan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MonthlyCredits  int    `json:"monthly_credits"`
	ProviderPriceID string `json:"provider_price_id,omitempty"`
}

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// UserSubscription is the locally synchronized copy of the provider's
// subscription object. Period boundaries and status are authoritative values
// pushed by the billing webhook worker; this engine never computes them.
//
// RenderingBlocked is set by the dunning flow once a payment-failure grace
// period expires. LastEventAt supports optimistic locking against
// out-of-order provider events.
type UserSubscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	RenderingBlocked   bool               `json:"rendering_blocked"`
	PaymentFailedAt    *time.Time         `json:"payment_failed_at,omitempty"`
	ProviderSubID      string             `json:"provider_subscription_id,omitempty"`
	LastEventAt        *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Expired reports whether the subscription no longer entitles the user to
// paid actions at the given instant: it is canceled (or pending cancellation
// at period end) and its current period has already ended.
func (s *UserSubscription) Expired(now time.Time) bool {
	if s.Status != SubStatusCanceled && !s.CancelAtPeriodEnd {
		return false
	}
	return s.CurrentPeriodEnd.Before(now)
}

// UserBillingState carries the trial flags the entitlement evaluator needs.
// Trial users get exactly one free preview render and nothing else.
type UserBillingState struct {
	UserID              string     `json:"user_id"`
	IsTrialUser         bool       `json:"is_trial_user"`
	TrialPreviewUsed    bool       `json:"trial_preview_used"`
	TrialPreviewUsedAt  *time.Time `json:"trial_preview_used_at,omitempty"`
}

// TransactionType categorizes credit_transactions rows.
type TransactionType string

const (
	TxTypeDeduction TransactionType = "deduction"
	TxTypeAddition  TransactionType = "addition"
	TxTypeRefund    TransactionType = "refund"
)

// Well-known reference types recorded on transactions and grants.
const (
	RefTypeAddon         = "addon"
	RefTypeAddonPurchase = "addon_purchase"
	RefTypeAdmin         = "admin"
	RefTypeRenewal       = "renewal"
	RefTypeReferral      = "referral_reward"
)

// CreditTransaction is one append-only audit row. Every ledger mutation
// produces exactly one row, inserted in the same database transaction as the
// balance update. Rows are immutable once written.
//
// BalanceAfter is the ledger's CreditsRemaining immediately after the
// mutation and is never null. For deductions, Metadata records the
// subscription/addon split.
type CreditTransaction struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	TransactionType TransactionType     `json:"transaction_type"`
	CreditsAmount   int                 `json:"credits_amount"` // always positive
	BalanceAfter    int                 `json:"balance_after"`
	Description     string              `json:"description,omitempty"`
	ReferenceID     string              `json:"reference_id,omitempty"`
	ReferenceType   string              `json:"reference_type,omitempty"`
	Metadata        TransactionMetadata `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// CreditAdjustment records an admin balance change that bypasses the
// transaction ledger (grants with reference_type "admin" or none). Kept in a
// separate table so admin corrections do not require a synthetic action in
// the user-facing history.
type CreditAdjustment struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CreditsAmount int       `json:"credits_amount"`
	BalanceAfter  int       `json:"balance_after"`
	Reason        string    `json:"reason,omitempty"`
	AdjustedBy    string    `json:"adjusted_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreditUsageTracking is one per-user, per-action, per-day counter row used
// only for the evaluator's daily/monthly limit checks. It is best-effort:
// writes are swallowed on failure and reads fall back to zero.
type CreditUsageTracking struct {
	UserID     string    `json:"user_id"`
	ActionID   string    `json:"action_id"`
	UsageDate  time.Time `json:"usage_date"` // date only, UTC
	UsageCount int       `json:"usage_count"`
}

// GrantResult reports the ledger state after AddCredits.
type GrantResult struct {
	TotalCredits     int `json:"total_credits"`
	CreditsRemaining int `json:"credits_remaining"`
}
