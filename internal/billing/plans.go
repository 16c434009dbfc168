// Package billing consumes billing-provider events and exposes plan
// defaults for the credit ledger engine. It applies already-verified
// subscription state; webhook authenticity and grace-period math live
// outside this subsystem.
package billing

import "creditledger/internal/types"

// PlanTier identifies a seeded subscription tier.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanStudio  PlanTier = "studio"
)

// PlanRegistry defines the authoritative monthly credit allotment for each
// seeded tier. The database rows are the runtime source of truth; this
// registry seeds them and serves signup provisioning, where the user has no
// subscription row yet.
type PlanRegistry interface {
	// GetPlan returns the plan definition for the given tier. Unknown
	// tiers return the free plan to fail safely.
	GetPlan(tier PlanTier) types.SubscriptionPlan
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory
// map. It is the standard implementation for production use.
type staticPlanRegistry struct {
	plans map[PlanTier]types.SubscriptionPlan
}

// planDefaults defines the hardcoded monthly credit allotments:
//
//	| Plan    | Monthly Credits |
//	|---------|-----------------|
//	| Free    | 10              |
//	| Starter | 200             |
//	| Pro     | 1,000           |
//	| Studio  | 5,000           |
//
// Per-action costs and limits come from plan_credit_configs rows, not from
// this registry.
var planDefaults = map[PlanTier]types.SubscriptionPlan{
	PlanFree:    {ID: string(PlanFree), Name: "Free", MonthlyCredits: 10},
	PlanStarter: {ID: string(PlanStarter), Name: "Starter", MonthlyCredits: 200},
	PlanPro:     {ID: string(PlanPro), Name: "Pro", MonthlyCredits: 1000},
	PlanStudio:  {ID: string(PlanStudio), Name: "Studio", MonthlyCredits: 5000},
}

// freePlan is cached to avoid map lookups on the fallback path.
var freePlan = planDefaults[PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded
// defaults. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults so callers cannot mutate the package-level map.
	m := make(map[PlanTier]types.SubscriptionPlan, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{plans: m}
}

// GetPlan returns the plan for the given tier, or the free plan for unknown
// tiers as a safe default.
func (r *staticPlanRegistry) GetPlan(tier PlanTier) types.SubscriptionPlan {
	if p, ok := r.plans[tier]; ok {
		return p
	}
	return freePlan
}
