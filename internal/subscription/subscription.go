// Package subscription resolves a user's plan, derives permissions, and
// gates AI operations against feature flags and credit balances.
package subscription

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("subscription: user not found")
)

// Plan is the closed set of subscription levels. Unknown raw plan strings
// parse to PlanFree so a bad account row can never unlock features.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// ParsePlan maps a raw account-store plan string to the closed enum.
func ParsePlan(raw string) (Plan, bool) {
	switch Plan(raw) {
	case PlanFree, PlanBasic, PlanPremium, PlanEnterprise:
		return Plan(raw), true
	}
	return PlanFree, false
}

// Tier is the coarser grouping used for service selection.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// TierFor returns the service tier for a plan.
func TierFor(p Plan) Tier {
	switch p {
	case PlanPremium, PlanEnterprise:
		return TierPremium
	default:
		return TierBasic
	}
}

// Credits is a snapshot of a user's credit balance.
type Credits struct {
	Available int64 `json:"available"`
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
}

// Context is one request's immutable subscription snapshot.
type Context struct {
	Plan     Plan            `json:"plan"`
	Tier     Tier            `json:"tier"`
	IsActive bool            `json:"isActive"`
	Credits  Credits         `json:"credits"`
	Features map[string]bool `json:"features"`
	LoadedAt time.Time       `json:"loadedAt"`
}

// HasFeature reports whether the plan includes a feature.
func (c Context) HasFeature(name string) bool {
	return c.Features[name]
}

// RateLimits describes per-plan request budgets.
type RateLimits struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
	Burst     int `json:"burst"`
}

// Permissions is derived deterministically from the plan plus per-user
// overrides; never mutated after creation.
type Permissions struct {
	CanUseAI        bool            `json:"canUseAI"`
	AllowedFeatures []string        `json:"allowedFeatures"`
	RateLimits      RateLimits      `json:"rateLimits"`
	FeatureFlags    map[string]bool `json:"featureFlags"`
	Restrictions    []string        `json:"restrictions,omitempty"`
}

// Overrides are user-specific permission adjustments layered over the plan
// defaults (beta flags, abuse restrictions).
type Overrides struct {
	ExtraFeatures []string
	Restrictions  []string
}

// Decision is the outcome of an access validation.
type Decision struct {
	Granted    bool   `json:"granted"`
	Reason     string `json:"reason,omitempty"`
	CreditCost int64  `json:"creditCost,omitempty"`
}

// Denial reasons.
const (
	ReasonInactive            = "subscription_inactive"
	ReasonFeatureNotAvailable = "feature_not_available"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonUnknownOperation    = "unknown_operation"
)
