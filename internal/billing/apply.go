package billing

import (
	"context"
	"fmt"

	"github.com/quizforge/quizforge/internal/subscription"
)

// applyCheckout upgrades the account named by the checkout session to the
// plan it purchased and starts a fresh credit cycle.
func (h *Handler) applyCheckout(ctx context.Context, session checkoutSession) error {
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["userId"]
	}
	if userID == "" {
		return fmt.Errorf("checkout %s has no user reference", session.ID)
	}

	plan, ok := subscription.ParsePlan(session.Metadata["plan"])
	if !ok {
		return fmt.Errorf("checkout %s names unknown plan %q", session.ID, session.Metadata["plan"])
	}
	cfg := subscription.Catalogue[plan]

	oldPlan := h.currentPlan(ctx, userID)

	if err := h.accounts.SetPlan(ctx, userID, string(plan), cfg.MonthlyCredit); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if err := h.accounts.SetActive(ctx, userID, true); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if err := h.accounts.ResetUsage(ctx, userID); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	h.logger.Info("plan upgraded via checkout",
		"userId", userID,
		"plan", plan,
		"checkout", session.ID)
	h.emitter.EmitPlanChanged(userID, oldPlan, string(plan))
	return nil
}

// applyCancellation drops the account back to the free plan. Unused paid
// credits do not carry over.
func (h *Handler) applyCancellation(ctx context.Context, sub stripeSubscription) error {
	userID := sub.Metadata["userId"]
	if userID == "" {
		return fmt.Errorf("subscription %s has no user reference", sub.ID)
	}

	oldPlan := h.currentPlan(ctx, userID)
	free := subscription.Catalogue[subscription.PlanFree]

	if err := h.accounts.SetPlan(ctx, userID, string(subscription.PlanFree), free.MonthlyCredit); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if err := h.accounts.SetActive(ctx, userID, true); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if err := h.accounts.ResetUsage(ctx, userID); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	h.logger.Info("plan cancelled, reverting to free", "userId", userID, "subscription", sub.ID)
	h.emitter.EmitPlanChanged(userID, oldPlan, string(subscription.PlanFree))
	return nil
}

// applySubscriptionUpdate reacts to payment-state transitions. Accounts in
// arrears are suspended until the subscription recovers.
func (h *Handler) applySubscriptionUpdate(ctx context.Context, sub stripeSubscription) error {
	userID := sub.Metadata["userId"]
	if userID == "" {
		return fmt.Errorf("subscription %s has no user reference", sub.ID)
	}

	switch sub.Status {
	case "past_due", "unpaid", "incomplete_expired":
		if err := h.accounts.SetActive(ctx, userID, false); err != nil {
			return fmt.Errorf("suspend: %w", err)
		}
		h.logger.Warn("subscription suspended", "userId", userID, "status", sub.Status)
		return nil

	case "active", "trialing":
		if err := h.accounts.SetActive(ctx, userID, true); err != nil {
			return fmt.Errorf("reactivate: %w", err)
		}
		if raw, ok := sub.Metadata["plan"]; ok {
			if plan, valid := subscription.ParsePlan(raw); valid {
				oldPlan := h.currentPlan(ctx, userID)
				cfg := subscription.Catalogue[plan]
				if err := h.accounts.SetPlan(ctx, userID, string(plan), cfg.MonthlyCredit); err != nil {
					return fmt.Errorf("set plan: %w", err)
				}
				if oldPlan != string(plan) {
					h.emitter.EmitPlanChanged(userID, oldPlan, string(plan))
				}
			}
		}
		return nil

	default:
		// canceled arrives as customer.subscription.deleted; the rest
		// are transient states we do not act on.
		return nil
	}
}

// applyInvoicePaid rolls the billing cycle: used credits reset to zero.
func (h *Handler) applyInvoicePaid(ctx context.Context, inv invoice) error {
	userID := inv.Metadata["userId"]
	if userID == "" {
		// Invoices without a user reference (one-off charges) are ignored.
		h.logger.Debug("invoice without user reference", "invoice", inv.ID)
		return nil
	}

	if err := h.accounts.ResetUsage(ctx, userID); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	h.logger.Info("credit cycle reset", "userId", userID, "invoice", inv.ID)
	return nil
}

// currentPlan reads the account's plan for change notifications. Missing
// accounts report the free plan.
func (h *Handler) currentPlan(ctx context.Context, userID string) string {
	acct, err := h.accounts.Get(ctx, userID)
	if err != nil || acct == nil {
		return string(subscription.PlanFree)
	}
	return acct.Plan
}
