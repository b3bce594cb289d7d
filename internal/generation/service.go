package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/provider"
	"github.com/quizforge/quizforge/internal/reqctx"
	"github.com/quizforge/quizforge/internal/subscription"
	"github.com/quizforge/quizforge/internal/traces"
	"github.com/quizforge/quizforge/internal/usage"
)

// tierConfig is what separates the basic and premium services: which model
// column of the catalogue they read and how much output they may request.
type tierConfig struct {
	tier        subscription.Tier
	temperature float64
	maxTokens   int
}

var (
	basicTier   = tierConfig{tier: subscription.TierBasic, temperature: 0.7, maxTokens: 2048}
	premiumTier = tierConfig{tier: subscription.TierPremium, temperature: 0.4, maxTokens: 4096}
)

// Service executes operations for one subscription tier.
type Service struct {
	cfg       tierConfig
	gate      Gatekeeper
	providers ProviderSource
	tracker   Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func newService(cfg tierConfig, gate Gatekeeper, providers ProviderSource, tracker Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		gate:      gate,
		providers: providers,
		tracker:   tracker,
		logger:    logger,
		now:       time.Now,
	}
}

// NewBasicService serves free and basic plans.
func NewBasicService(gate Gatekeeper, providers ProviderSource, tracker Recorder, logger *slog.Logger) *Service {
	return newService(basicTier, gate, providers, tracker, logger)
}

// NewPremiumService serves premium and enterprise plans.
func NewPremiumService(gate Gatekeeper, providers ProviderSource, tracker Recorder, logger *slog.Logger) *Service {
	return newService(premiumTier, gate, providers, tracker, logger)
}

// Tier returns the tier this service executes as.
func (s *Service) Tier() subscription.Tier {
	return s.cfg.tier
}

// Execute runs one operation through the gate-and-debit protocol. Steps run
// in strict order and short-circuit on the first failure: access validation,
// atomic credit debit, provider resolution, provider call. The outcome is
// always handed to the tracker, whichever step it came from, and a failed
// provider call does not refund the debit.
func (s *Service) Execute(ctx context.Context, rc *reqctx.Context, operation string, params Params) *Result {
	start := s.now()

	ctx, span := traces.StartSpan(ctx, "generation.Execute",
		traces.UserID(rc.UserID), traces.Operation(operation), traces.RequestID(rc.Request.ID))
	defer span.End()

	if !rc.Permissions.CanUseAI {
		span.SetStatus(codes.Error, CodeAccessDenied)
		return s.finish(rc, operation, "", start, 0, 0, &Result{
			Success:   false,
			Error:     "ai access not permitted",
			ErrorCode: CodeAccessDenied,
		})
	}

	decision := s.gate.ValidateAccess(&rc.Subscription, operation)
	if !decision.Granted {
		span.SetStatus(codes.Error, CodeAccessDenied)
		return s.finish(rc, operation, "", start, 0, 0, &Result{
			Success:   false,
			Error:     decision.Reason,
			ErrorCode: CodeAccessDenied,
		})
	}

	debit, err := s.gate.DebitCredits(ctx, rc.UserID, decision.CreditCost, operation, rc.Request.ID)
	if err != nil || !debit.Success {
		metrics.DebitFailures.Inc()
		detail := "insufficient credits"
		if err != nil {
			span.RecordError(err)
			detail = err.Error()
		}
		span.SetStatus(codes.Error, CodeCreditDeductionFailed)
		return s.finish(rc, operation, "", start, 0, 0, &Result{
			Success:   false,
			Error:     detail,
			ErrorCode: CodeCreditDeductionFailed,
		})
	}
	metrics.CreditsDebited.Add(float64(decision.CreditCost))
	span.SetAttributes(traces.Credits(decision.CreditCost))

	spec := catalogue[operation] // decision.Granted implies the operation is known
	model := spec.modelFor(s.cfg.tier)
	span.SetAttributes(traces.Model(model))

	client, err := s.providers.GetProvider(ctx, rc.UserID, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider resolution failed")
		return s.finish(rc, operation, model, start, decision.CreditCost, 0, &Result{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: CodeOperationFailed,
		})
	}

	span.SetAttributes(traces.Provider(string(client.Type())))
	resp, err := client.GenerateCompletion(ctx, provider.CompletionRequest{
		Model:       model,
		Messages:    []provider.Message{{Role: "system", Content: spec.systemPrompt}, {Role: "user", Content: spec.userPrompt(params)}},
		Functions:   []provider.FunctionDef{spec.schema},
		Temperature: s.cfg.temperature,
		MaxTokens:   s.cfg.maxTokens,
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(string(client.Type()), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		// Credits stay debited. The audit entry is the record of what was
		// charged for a failed call.
		return s.finish(rc, operation, model, start, decision.CreditCost, 0, &Result{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: CodeOperationFailed,
		})
	}
	metrics.ProviderCallsTotal.WithLabelValues(string(client.Type()), "success").Inc()

	data, err := extractData(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed completion")
		return s.finish(rc, operation, model, start, decision.CreditCost, resp.Usage.TotalTokens, &Result{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: CodeOperationFailed,
		})
	}

	return s.finish(rc, operation, model, start, decision.CreditCost, resp.Usage.TotalTokens, &Result{
		Success: true,
		Data:    data,
		Usage: &UsageInfo{
			CreditsUsed: decision.CreditCost,
			TokensUsed:  resp.Usage.TotalTokens,
		},
	})
}

// finish records metrics and the audit entry for an outcome and returns it.
// Tracking is best-effort and never alters the result.
func (s *Service) finish(rc *reqctx.Context, operation, model string, start time.Time, credits int64, tokens int, res *Result) *Result {
	elapsed := s.now().Sub(start)

	result := "success"
	if !res.Success {
		result = res.ErrorCode
	}
	metrics.OperationsTotal.WithLabelValues(operation, result).Inc()
	metrics.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())

	s.tracker.Track(usage.AuditEntry{
		UserID:          rc.UserID,
		RequestID:       rc.Request.ID,
		Operation:       operation,
		Model:           model,
		TokensUsed:      tokens,
		CreditsDeducted: credits,
		LatencyMs:       elapsed.Milliseconds(),
		Success:         res.Success,
		Error:           res.Error,
		RiskScore:       rc.Security.RiskScore,
		Metadata: map[string]string{
			"tier":       string(s.cfg.tier),
			"plan":       string(rc.Subscription.Plan),
			"auditLevel": string(rc.Security.AuditLevel),
		},
	})
	return res
}

// extractData pulls the structured payload out of a completion. Providers
// are asked for a function call; plain content is accepted as a fallback
// and wrapped so callers always receive JSON.
func extractData(resp *provider.CompletionResponse) (json.RawMessage, error) {
	if resp.FunctionCall != nil {
		if !json.Valid([]byte(resp.FunctionCall.Arguments)) {
			return nil, fmt.Errorf("%w: function arguments are not valid JSON", provider.ErrBadResponse)
		}
		return json.RawMessage(resp.FunctionCall.Arguments), nil
	}
	if resp.Content == "" {
		return nil, fmt.Errorf("%w: empty completion", provider.ErrBadResponse)
	}
	wrapped, err := json.Marshal(map[string]string{"text": resp.Content})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
