// Package generation runs AI content operations behind the gate-and-debit
// protocol: validate access, debit credits, obtain an authenticated provider
// client, execute, and record the outcome. The debit is never refunded when
// the provider call fails; the audit trail records what was charged.
package generation

import (
	"context"
	"encoding/json"

	"github.com/quizforge/quizforge/internal/account"
	"github.com/quizforge/quizforge/internal/provider"
	"github.com/quizforge/quizforge/internal/reqctx"
	"github.com/quizforge/quizforge/internal/subscription"
	"github.com/quizforge/quizforge/internal/usage"
)

// Error codes returned to callers. These are the stable machine-readable
// taxonomy; the Error field carries the human detail.
const (
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeCreditDeductionFailed = "CREDIT_DEDUCTION_FAILED"
	CodeOperationFailed       = "OPERATION_FAILED"
)

// Params are the caller-supplied inputs to a content operation.
type Params struct {
	Topic      string `json:"topic"`
	SourceText string `json:"sourceText,omitempty"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Language   string `json:"language,omitempty"`
}

// UsageInfo reports what an operation consumed.
type UsageInfo struct {
	CreditsUsed int64 `json:"creditsUsed"`
	TokensUsed  int   `json:"tokensUsed"`
}

// Result is the caller-facing outcome of one operation.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Usage     *UsageInfo      `json:"usage,omitempty"`
}

// Gatekeeper is the slice of the subscription manager a service needs.
// Satisfied by *subscription.Manager.
type Gatekeeper interface {
	ValidateAccess(sub *subscription.Context, operation string) subscription.Decision
	DebitCredits(ctx context.Context, userID string, amount int64, operation, requestID string) (*account.DebitResult, error)
}

// ProviderSource supplies authenticated provider clients.
// Satisfied by *tokens.Manager.
type ProviderSource interface {
	GetProvider(ctx context.Context, userID, model string) (provider.Client, error)
}

// Recorder accepts audit entries. Satisfied by *usage.Tracker.
type Recorder interface {
	Track(entry usage.AuditEntry)
}

// Runner executes one operation against a request context.
type Runner interface {
	Tier() subscription.Tier
	Execute(ctx context.Context, rc *reqctx.Context, operation string, params Params) *Result
}
