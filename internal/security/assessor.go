package security

import (
	"net"
	"strings"
	"time"
)

// Per-signal score caps.
const (
	maxIPContribution     = 30
	maxUAContribution     = 25
	headerProxyPenalty    = 5
	nonStandardMethod     = 10
	unauthenticatedScore  = 10
	missingUAPenalty      = 20
	automationUAPenalty   = 15
	botPatternUAPenalty   = 25
	abnormalLengthPenalty = 10
)

// standardMethods are the HTTP methods we expect from legitimate clients.
var standardMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// proxyHeaders often indicate a request routed through anonymizing infra.
var proxyHeaders = []string{
	"x-forwarded-host",
	"x-originating-ip",
	"x-remote-ip",
	"x-remote-addr",
	"via",
}

// automationAgents are tooling user-agents that are not browsers.
var automationAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"java/", "okhttp", "httpie", "postman",
}

// botPatterns are substrings that mark crawler/scraper traffic.
var botPatterns = []string{"bot", "crawler", "spider", "scraper", "headless"}

// Assessor computes security contexts. It holds only static configuration
// and is safe for concurrent use.
type Assessor struct {
	// deniedNets are CIDR ranges with known-bad reputation.
	deniedNets []*net.IPNet
	now        func() time.Time
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithDeniedCIDRs adds IP ranges that score the maximum IP contribution.
// Unparsable entries are skipped.
func WithDeniedCIDRs(cidrs []string) Option {
	return func(a *Assessor) {
		for _, c := range cidrs {
			if _, n, err := net.ParseCIDR(c); err == nil {
				a.deniedNets = append(a.deniedNets, n)
			}
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) { a.now = now }
}

// NewAssessor creates a request risk assessor.
func NewAssessor(opts ...Option) *Assessor {
	a := &Assessor{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores a request. Pure function of its inputs: identical meta and
// identity always produce an identical context (modulo AssessedAt).
func (a *Assessor) Assess(meta RequestMeta, ident Identity) Context {
	score := a.ipScore(meta.IP) +
		a.userAgentScore(meta.UserAgent) +
		a.headerScore(meta) +
		a.behaviorScore(ident)

	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}

	ctx := Context{
		RiskScore:        score,
		RequiresApproval: score > ApprovalThreshold,
		AuditLevel:       auditLevelFor(score, ident),
		EncryptionLevel:  EncryptionStandard,
		Compliance:       complianceFor(score, ident),
		AssessedAt:       a.now(),
	}
	if score > EnhancedCryptThreshold {
		ctx.EncryptionLevel = EncryptionEnhanced
	}
	return ctx
}

// ipScore returns 0-30 based on IP reputation.
func (a *Assessor) ipScore(ip string) int {
	if ip == "" {
		return 20
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 20
	}
	for _, n := range a.deniedNets {
		if n.Contains(parsed) {
			return maxIPContribution
		}
	}
	// Loopback and RFC1918 traffic comes from our own edge or dev setups.
	if parsed.IsLoopback() || parsed.IsPrivate() {
		return 0
	}
	return 0
}

// userAgentScore returns 0-25. Contributions are additive, then capped.
func (a *Assessor) userAgentScore(ua string) int {
	if ua == "" {
		return missingUAPenalty
	}

	score := 0
	lower := strings.ToLower(ua)
	recognized := false

	for _, tool := range automationAgents {
		if strings.Contains(lower, tool) {
			score += automationUAPenalty
			recognized = true
			break
		}
	}
	for _, pattern := range botPatterns {
		if strings.Contains(lower, pattern) {
			score += botPatternUAPenalty
			recognized = true
			break
		}
	}
	// Length only counts against strings we could not classify; a short
	// banner like "curl/7.0" is normal for that tool.
	if !recognized && (len(ua) < 10 || len(ua) > 500) {
		score += abnormalLengthPenalty
	}

	if score > maxUAContribution {
		score = maxUAContribution
	}
	return score
}

// headerScore penalizes proxy indicators and unusual HTTP methods.
func (a *Assessor) headerScore(meta RequestMeta) int {
	score := 0
	for name := range meta.Headers {
		lower := strings.ToLower(name)
		for _, suspect := range proxyHeaders {
			if lower == suspect {
				score += headerProxyPenalty
				break
			}
		}
	}
	if meta.Method != "" && !standardMethods[strings.ToUpper(meta.Method)] {
		score += nonStandardMethod
	}
	return score
}

// behaviorScore penalizes unauthenticated callers.
func (a *Assessor) behaviorScore(ident Identity) int {
	if !ident.Authenticated {
		return unauthenticatedScore
	}
	return 0
}

func auditLevelFor(score int, ident Identity) AuditLevel {
	switch {
	case score > ApprovalThreshold:
		return AuditComprehensive
	case ident.OrgID != "" || score > DetailedThreshold:
		return AuditDetailed
	default:
		return AuditBasic
	}
}

func complianceFor(score int, ident Identity) []string {
	reqs := []string{"audit-trail"}
	if ident.OrgID != "" {
		reqs = append(reqs, "gdpr-logging")
	}
	if score > ApprovalThreshold {
		reqs = append(reqs, "enhanced-retention")
	}
	return reqs
}
