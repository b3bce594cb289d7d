package reqctx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/quizforge/quizforge/internal/idgen"
	"github.com/quizforge/quizforge/internal/security"
	"github.com/quizforge/quizforge/internal/subscription"
	"github.com/quizforge/quizforge/internal/traces"
)

// SubscriptionSource is the slice of the subscription manager the provider
// needs: a snapshot load and the deterministic permission derivation.
type SubscriptionSource interface {
	Load(ctx context.Context, userID string) (*subscription.Context, error)
	PermissionsFor(plan subscription.Plan, overrides *subscription.Overrides) subscription.Permissions
}

// Assessor scores an inbound request. Satisfied by *security.Assessor.
type Assessor interface {
	Assess(meta security.RequestMeta, ident security.Identity) security.Context
}

// OverrideSource resolves per-user permission overrides. Optional; a nil
// source means plan defaults apply unmodified.
type OverrideSource interface {
	OverridesFor(ctx context.Context, userID string) (*subscription.Overrides, error)
}

// Provider composes identity, subscription, permissions, and the security
// assessment into one validated Context per inbound call.
type Provider struct {
	subs      SubscriptionSource
	assessor  Assessor
	overrides OverrideSource
	logger    *slog.Logger
	now       func() time.Time
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithOverrideSource wires a per-user override lookup into context creation.
func WithOverrideSource(src OverrideSource) ProviderOption {
	return func(p *Provider) { p.overrides = src }
}

// WithClock overrides the provider's time source for tests.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a context provider.
func NewProvider(subs SubscriptionSource, assessor Assessor, logger *slog.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		subs:     subs,
		assessor: assessor,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create assembles the context for an authenticated caller. The sequence is
// fixed: validate identity, load the subscription snapshot, derive
// permissions, resolve the organization, assess security, assemble, then
// validate the whole. Validation errors abort with a composed message;
// warnings are logged and the context is returned anyway.
func (p *Provider) Create(ctx context.Context, ident security.Identity, meta security.RequestMeta) (*Context, error) {
	if ident.UserID == "" {
		return nil, ErrMissingIdentity
	}

	ctx, span := traces.StartSpan(ctx, "reqctx.Create",
		traces.UserID(ident.UserID), traces.RequestID(meta.RequestID))
	defer span.End()

	sub, err := p.subs.Load(ctx, ident.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscription load failed")
		return nil, fmt.Errorf("load subscription for %s: %w", ident.UserID, err)
	}

	var ov *subscription.Overrides
	if p.overrides != nil {
		ov, err = p.overrides.OverridesFor(ctx, ident.UserID)
		if err != nil {
			// Overrides are an enhancement, not a gate.
			p.logger.Warn("override lookup failed, using plan defaults",
				"user_id", ident.UserID, "error", err)
			ov = nil
		}
	}
	perms := p.subs.PermissionsFor(sub.Plan, ov)

	sec := p.assessor.Assess(meta, ident)

	rc := &Context{
		UserID:        ident.UserID,
		SessionID:     ident.SessionID,
		Authenticated: ident.Authenticated,
		Subscription:  *sub,
		Permissions:   perms,
		Security:      sec,
		Request:       p.requestInfo(meta),
		OrgID:         ident.OrgID,
	}

	if err := p.validate(rc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context validation failed")
		return nil, err
	}
	return rc, nil
}

// CreateAnonymous assembles the context for an unauthenticated caller.
// Anonymous contexts never grant AI access and carry zero credits, so any
// downstream gate fails closed without touching the account store.
func (p *Provider) CreateAnonymous(meta security.RequestMeta) *Context {
	now := p.now().UTC()
	return &Context{
		UserID:        "anonymous",
		Authenticated: false,
		Subscription: subscription.Context{
			Plan:     subscription.PlanFree,
			Tier:     subscription.TierBasic,
			IsActive: false,
			Features: map[string]bool{},
			LoadedAt: now,
		},
		Permissions: subscription.Permissions{
			CanUseAI:        false,
			AllowedFeatures: []string{},
			FeatureFlags:    map[string]bool{},
			Restrictions:    []string{"anonymous"},
		},
		Security: security.Context{
			RiskScore:       AnonymousRiskScore,
			AuditLevel:      security.AuditBasic,
			EncryptionLevel: security.EncryptionStandard,
			Compliance:      []string{"audit-trail"},
			AssessedAt:      now,
		},
		Request: p.requestInfo(meta),
	}
}

// Update returns a copy of c with the patch applied and the request
// timestamp refreshed. The input context is never mutated. The patched
// context is re-validated; an inconsistent patch is rejected.
func (p *Provider) Update(c *Context, patch Patch) (*Context, error) {
	out := *c
	if patch.Subscription != nil {
		out.Subscription = *patch.Subscription
	}
	if patch.Permissions != nil {
		out.Permissions = *patch.Permissions
	}
	if patch.Security != nil {
		out.Security = *patch.Security
	}
	if patch.OrgID != nil {
		out.OrgID = *patch.OrgID
	}
	out.Request.Timestamp = p.now().UTC()

	if err := p.validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Provider) requestInfo(meta security.RequestMeta) RequestInfo {
	id := meta.RequestID
	if id == "" {
		id = idgen.WithPrefix("req_")
	}
	return RequestInfo{
		ID:            id,
		Timestamp:     p.now().UTC(),
		Source:        meta.Source,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.RequestID,
	}
}

// validate checks the assembled context for internal consistency. Hard
// inconsistencies are collected and returned as one composed error so a
// caller sees every problem at once. Soft inconsistencies are logged.
func (p *Provider) validate(c *Context) error {
	var problems []string

	if c.Permissions.CanUseAI && !c.Authenticated {
		problems = append(problems, "canUseAI granted to unauthenticated caller")
	}
	if !c.Security.Valid() {
		problems = append(problems, fmt.Sprintf("security context invalid (riskScore=%d)", c.Security.RiskScore))
	}
	if c.Subscription.Credits.Available < 0 {
		problems = append(problems, "negative available credits")
	}
	if c.Request.ID == "" {
		problems = append(problems, "missing request id")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidContext, strings.Join(problems, "; "))
	}

	if c.Permissions.CanUseAI && c.Subscription.Credits.Available == 0 {
		p.logger.Warn("context has AI access but zero credits",
			"user_id", c.UserID, "plan", c.Subscription.Plan)
	}
	return nil
}
