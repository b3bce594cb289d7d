package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizforge/quizforge/internal/auth"
	"github.com/quizforge/quizforge/internal/generation"
	"github.com/quizforge/quizforge/internal/idgen"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/reqctx"
	"github.com/quizforge/quizforge/internal/security"
	"github.com/quizforge/quizforge/internal/subscription"
	"github.com/quizforge/quizforge/internal/usage"
	"github.com/quizforge/quizforge/internal/validation"
)

// lowCreditDivisor sets the remaining-balance threshold below which a
// credits.low webhook fires (limit / lowCreditDivisor).
const lowCreditDivisor = 10

func (s *Server) handleHealthz(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !s.ready.Load() || !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"checks": statuses,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"checks": statuses,
	})
}

type signupRequest struct {
	Name string `json:"name"`
}

// handleSignup provisions a free-plan account and its first API key.
func (s *Server) handleSignup(c *gin.Context) {
	var req signupRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Default key"
	}

	ctx := c.Request.Context()
	userID := idgen.WithPrefix("usr_")
	freeCfg := subscription.ConfigFor(subscription.PlanFree)
	if err := s.accounts.SetPlan(ctx, userID, string(subscription.PlanFree), freeCfg.MonthlyCredit); err != nil {
		logging.L(ctx).Error("signup account create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "signup_failed",
			"message": "Failed to create account",
		})
		return
	}

	rawKey, key, err := s.authManager.GenerateKey(ctx, userID, "", req.Name)
	if err != nil {
		logging.L(ctx).Error("signup key create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "signup_failed",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"plan":    subscription.PlanFree,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// requestMeta captures the request attributes the security assessor scores.
func (s *Server) requestMeta(c *gin.Context) security.RequestMeta {
	return security.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Method:    c.Request.Method,
		Source:    "api",
		RequestID: c.GetString("requestID"),
	}
}

// requestContext assembles the validated per-request context for the
// authenticated caller, or writes the error response and returns nil.
func (s *Server) requestContext(c *gin.Context) *reqctx.Context {
	ident := auth.IdentityFrom(c)
	rc, err := s.contexts.Create(c.Request.Context(), ident, s.requestMeta(c))
	if err != nil {
		switch {
		case errors.Is(err, reqctx.ErrMissingIdentity):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
		case errors.Is(err, subscription.ErrUserNotFound):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "account_not_found",
				"message": "No account exists for this API key",
			})
		case errors.Is(err, reqctx.ErrInvalidContext):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "request_rejected",
				"message": "Request failed security validation",
			})
		default:
			logging.L(c.Request.Context()).Error("request context", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to evaluate request",
			})
		}
		return nil
	}
	return rc
}

// handleGenerate runs one content operation through the gate-and-debit
// pipeline. Rate limits are checked before gating so a throttled request
// never costs credits.
func (s *Server) handleGenerate(c *gin.Context) {
	operation := c.Param("operation")

	var params generation.Params
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}
	params.Topic = validation.SanitizeString(params.Topic, 500)
	params.Difficulty = validation.SanitizeString(params.Difficulty, 32)
	params.Language = validation.SanitizeString(params.Language, 32)

	rc := s.requestContext(c)
	if rc == nil {
		return
	}

	limits := subscription.ConfigFor(rc.Subscription.Plan).RateLimits
	verdict := s.planLimiter.Check(rc.UserID, limits)
	if !verdict.Allowed {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(verdict.ResetTime)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "rate_limit_exceeded",
			"message":   "Plan rate limit exceeded",
			"remaining": verdict.Remaining,
			"resetTime": verdict.ResetTime,
		})
		return
	}

	svc := s.factory.ServiceFor(rc)
	result := svc.Execute(c.Request.Context(), rc, operation, params)

	s.notifyOutcome(rc, operation, result)
	c.JSON(statusForResult(result), result)
}

// notifyOutcome fans the operation result out to webhooks and the live
// activity feed.
func (s *Server) notifyOutcome(rc *reqctx.Context, operation string, result *generation.Result) {
	event := map[string]interface{}{
		"userId":    rc.UserID,
		"requestId": rc.Request.ID,
		"operation": operation,
		"success":   result.Success,
	}

	if result.Success {
		var credits int64
		var tokens int
		model := ""
		if result.Usage != nil {
			credits = result.Usage.CreditsUsed
			tokens = result.Usage.TokensUsed
		}
		if m, ok := generation.ModelFor(operation, rc.Subscription.Tier); ok {
			model = m
		}
		event["creditsUsed"] = credits
		s.emitter.EmitOperationCompleted(rc.UserID, rc.Request.ID, operation, model, int64(tokens), credits)

		remaining := rc.Subscription.Credits.Available - credits
		if limit := rc.Subscription.Credits.Limit; limit > 0 && remaining >= 0 && remaining <= limit/lowCreditDivisor {
			s.emitter.EmitCreditsLow(rc.UserID, remaining)
		}
	} else {
		event["errorCode"] = result.ErrorCode
		s.emitter.EmitOperationFailed(rc.UserID, rc.Request.ID, operation, result.ErrorCode, result.Error)
	}

	s.hub.BroadcastOperation(event)
}

func statusForResult(r *generation.Result) int {
	if r.Success {
		return http.StatusOK
	}
	switch r.ErrorCode {
	case generation.CodeAccessDenied:
		return http.StatusForbidden
	case generation.CodeCreditDeductionFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

func retryAfterSeconds(reset time.Time) int {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// handleCredits returns the caller's account balance.
func (s *Server) handleCredits(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)
	acct, err := s.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account exists for this API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": gin.H{
			"userId":       acct.UserID,
			"plan":         acct.Plan,
			"creditsLimit": acct.CreditsLimit,
			"creditsUsed":  acct.CreditsUsed,
			"available":    acct.Available(),
			"isActive":     acct.IsActive,
		},
	})
}

// handleOperations lists the operations the caller's plan can run, with
// credit costs and the model each would execute on.
func (s *Server) handleOperations(c *gin.Context) {
	rc := s.requestContext(c)
	if rc == nil {
		return
	}

	names := generation.Operations()
	sort.Strings(names)

	ops := make([]gin.H, 0, len(names))
	for _, name := range names {
		if !rc.Subscription.HasFeature(name) {
			continue
		}
		cost, _ := subscription.CreditCost(rc.Subscription.Plan, name)
		model, _ := generation.ModelFor(name, rc.Subscription.Tier)
		ops = append(ops, gin.H{
			"operation": name,
			"credits":   cost,
			"model":     model,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"plan":       rc.Subscription.Plan,
		"operations": ops,
	})
}

// handleUsageStats returns the caller's aggregate usage.
func (s *Server) handleUsageStats(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)
	stats, err := s.tracker.UserStats(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stats_unavailable",
			"message": "Failed to load usage statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// handleUsageExport streams the caller's audit entries, filtered by query
// parameters. Entries are always scoped to the authenticated user.
func (s *Server) handleUsageExport(c *gin.Context) {
	filter := usage.ExportFilter{
		UserID:    auth.GetAuthenticatedUser(c),
		Operation: c.Query("operation"),
	}
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": "start must be RFC3339",
			})
			return
		}
		filter.Start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": "end must be RFC3339",
			})
			return
		}
		filter.End = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = n
	}
	filter.OnlyFailed = c.Query("onlyFailed") == "true"

	entries, err := s.tracker.Export(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage export", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "export_failed",
			"message": "Failed to export audit entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleTokensHealth reports provider credential status without exposing
// any key material.
func (s *Server) handleTokensHealth(c *gin.Context) {
	report := s.tokens.HealthReport(c.Request.Context())
	sort.Slice(report, func(i, j int) bool { return report[i].Provider < report[j].Provider })
	c.JSON(http.StatusOK, gin.H{
		"providers": report,
		"cacheSize": s.tokens.CacheSize(),
	})
}
