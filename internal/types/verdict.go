package types

// DenyReason is the machine-readable outcome of a denied entitlement check.
// Callers branch on these to render actionable UI (upgrade prompt, payment
// fix, limit messaging) rather than parsing English.
type DenyReason string

const (
	ReasonInsufficientCredits DenyReason = "insufficient_credits"
	ReasonMonthlyLimitReached DenyReason = "monthly_limit_reached"
	ReasonDailyLimitReached   DenyReason = "daily_limit_reached"
	ReasonPlanCycleExhausted  DenyReason = "plan_cycle_exhausted"
	ReasonTrialSubRequired    DenyReason = "trial_subscription_required"
	ReasonTrialPreviewUsed    DenyReason = "trial_preview_already_used"
	ReasonRenderingBlocked    DenyReason = "rendering_blocked_payment_required"
	ReasonSubExpired          DenyReason = "subscription_expired"
)

// Verdict is the result of an entitlement evaluation. It is a plain value:
// evaluation itself never fails on policy grounds, it only reports.
//
// When Allowed is false, Reason holds the single most relevant denial cause
// (precedence on the balance/limit path: insufficient credits > monthly
// limit > daily limit > plan cycle exhausted). Limit fields are nil when the
// resolved plan config leaves them unlimited.
type Verdict struct {
	Allowed         bool       `json:"allowed"`
	Reason          DenyReason `json:"reason,omitempty"`
	CurrentCredits  int        `json:"current_credits"`
	RequiredCredits int        `json:"required_credits"`
	MonthlyLimit    *int       `json:"monthly_limit,omitempty"`
	DailyLimit      *int       `json:"daily_limit,omitempty"`
	MonthlyUsed     int        `json:"monthly_used"`
	DailyUsed       int        `json:"daily_used"`
}

// Allow builds an allowing verdict with the given balance and cost context.
func Allow(current, required int) *Verdict {
	return &Verdict{Allowed: true, CurrentCredits: current, RequiredCredits: required}
}

// Deny builds a denying verdict with the given reason.
func Deny(reason DenyReason, current, required int) *Verdict {
	return &Verdict{Reason: reason, CurrentCredits: current, RequiredCredits: required}
}
