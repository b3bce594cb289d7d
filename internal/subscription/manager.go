package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizforge/quizforge/internal/account"
)

// Manager resolves subscriptions against the external account store and
// enforces the gate-and-debit rules.
type Manager struct {
	accounts account.Store
	logger   *slog.Logger
}

// NewManager creates a subscription manager.
func NewManager(accounts account.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{accounts: accounts, logger: logger}
}

// Load snapshots a user's subscription from the account store. One snapshot
// per request; only Debit mutates the underlying balance.
func (m *Manager) Load(ctx context.Context, userID string) (*Context, error) {
	acct, err := m.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	plan, known := ParsePlan(acct.Plan)
	if !known {
		m.logger.Warn("unknown plan in account store, defaulting to free",
			"user_id", userID, "raw_plan", acct.Plan)
	}

	cfg := ConfigFor(plan)
	features := make(map[string]bool, len(cfg.Features))
	for _, f := range cfg.Features {
		features[f] = true
	}

	return &Context{
		Plan:     plan,
		Tier:     TierFor(plan),
		IsActive: acct.IsActive,
		Credits: Credits{
			Available: acct.Available(),
			Used:      acct.CreditsUsed,
			Limit:     acct.CreditsLimit,
		},
		Features: features,
		LoadedAt: time.Now(),
	}, nil
}

// PermissionsFor derives the permission set for a plan plus per-user
// overrides. Deterministic, no I/O.
func (m *Manager) PermissionsFor(plan Plan, overrides *Overrides) Permissions {
	cfg := ConfigFor(plan)

	allowed := make([]string, 0, len(cfg.Features))
	flags := make(map[string]bool, len(cfg.Features))
	allowed = append(allowed, cfg.Features...)
	for _, f := range cfg.Features {
		flags[f] = true
	}

	perms := Permissions{
		CanUseAI:        true,
		AllowedFeatures: allowed,
		RateLimits:      cfg.RateLimits,
		FeatureFlags:    flags,
	}

	if overrides != nil {
		for _, f := range overrides.ExtraFeatures {
			if !perms.FeatureFlags[f] {
				perms.AllowedFeatures = append(perms.AllowedFeatures, f)
				perms.FeatureFlags[f] = true
			}
		}
		perms.Restrictions = append(perms.Restrictions, overrides.Restrictions...)
		for _, r := range overrides.Restrictions {
			if r == "ai-disabled" {
				perms.CanUseAI = false
			}
		}
	}

	return perms
}

// ValidateAccess checks plan state, feature availability, and credit
// balance for an operation, in that order.
func (m *Manager) ValidateAccess(sub *Context, operation string) Decision {
	if !sub.IsActive {
		return Decision{Granted: false, Reason: ReasonInactive}
	}

	cost, priced := CreditCost(sub.Plan, operation)
	if !priced {
		return Decision{Granted: false, Reason: ReasonUnknownOperation}
	}

	if !sub.HasFeature(operation) {
		return Decision{Granted: false, Reason: ReasonFeatureNotAvailable, CreditCost: cost}
	}

	if sub.Credits.Available < cost {
		return Decision{Granted: false, Reason: ReasonInsufficientCredits, CreditCost: cost}
	}

	return Decision{Granted: true, CreditCost: cost}
}

// DebitCredits performs the atomic conditional decrement in the account
// store. The store guarantees that concurrent debits never overspend; this
// method only translates the outcome.
func (m *Manager) DebitCredits(ctx context.Context, userID string, amount int64, operation, requestID string) (*account.DebitResult, error) {
	res, err := m.accounts.Debit(ctx, userID, amount, operation, requestID)
	if err != nil {
		if errors.Is(err, account.ErrInsufficientCredit) {
			// Not an infrastructure failure; the result carries the balance.
			return res, nil
		}
		return nil, fmt.Errorf("debit credits: %w", err)
	}
	if res.Replayed {
		m.logger.Info("debit replayed from journal",
			"user_id", userID, "request_id", requestID, "success", res.Success)
	}
	return res, nil
}
