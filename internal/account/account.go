// Package account is the gating pipeline's view of the user account store.
//
// It owns the single operation that must be atomic across processes: the
// conditional credit debit. Concurrent requests from the same user must never
// both succeed when only one request's worth of credit remains, so the debit
// is pushed down to the store's native primitive (a conditional UPDATE in
// Postgres, a mutex-guarded compare-and-decrement in memory) and is never
// implemented as check-then-act in application code.
//
// Debits are journalled by request ID: retrying a debit with the same
// request ID returns the original outcome without charging twice.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound    = errors.New("account: not found")
	ErrInsufficientCredit = errors.New("account: insufficient credits")
	ErrInvalidAmount      = errors.New("account: amount must be positive")
)

// Account is one user's billing snapshot as stored externally.
type Account struct {
	UserID       string    `json:"userId"`
	Plan         string    `json:"plan"` // raw plan string; parsed by subscription
	CreditsLimit int64     `json:"creditsLimit"`
	CreditsUsed  int64     `json:"creditsUsed"`
	IsActive     bool      `json:"isActive"`
	OrgID        string    `json:"orgId,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Available returns the spendable credit balance, never negative.
func (a *Account) Available() int64 {
	avail := a.CreditsLimit - a.CreditsUsed
	if avail < 0 {
		return 0
	}
	return avail
}

// DebitResult is the outcome of an atomic debit attempt.
type DebitResult struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"newBalance"`
	// Replayed is true when the request ID was already journalled and the
	// recorded outcome was returned instead of charging again.
	Replayed bool `json:"replayed,omitempty"`
}

// Store persists accounts and performs atomic credit operations.
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)

	// Debit atomically consumes amount credits. It fails (Success=false,
	// err=ErrInsufficientCredit) rather than ever producing a negative
	// balance. A repeated requestID replays the recorded outcome.
	Debit(ctx context.Context, userID string, amount int64, operation, requestID string) (*DebitResult, error)

	// Credit raises the account's limit (plan grants, top-ups, refunds).
	Credit(ctx context.Context, userID string, amount int64, reference string) error

	// SetPlan updates the raw plan string and the monthly credit limit.
	SetPlan(ctx context.Context, userID, plan string, creditsLimit int64) error

	// SetActive toggles the subscription's active flag.
	SetActive(ctx context.Context, userID string, active bool) error

	// ResetUsage zeroes credits_used (billing-cycle rollover).
	ResetUsage(ctx context.Context, userID string) error
}
