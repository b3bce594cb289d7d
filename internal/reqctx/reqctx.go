// Package reqctx assembles the per-request context the generation pipeline
// runs against: identity, subscription snapshot, derived permissions, and
// the security assessment, composed once per inbound call and immutable
// afterwards.
package reqctx

import (
	"errors"
	"time"

	"github.com/quizforge/quizforge/internal/security"
	"github.com/quizforge/quizforge/internal/subscription"
)

var (
	ErrMissingIdentity = errors.New("reqctx: identity has no user id")
	ErrInvalidContext  = errors.New("reqctx: assembled context failed validation")
)

// AnonymousRiskScore is the fixed risk score assigned to unauthenticated
// callers. Anonymous traffic is never trusted enough to score low, and
// never carries enough signal to score high.
const AnonymousRiskScore = 50

// RequestInfo identifies the inbound call itself.
type RequestInfo struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"userAgent"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Context is the immutable per-request context. It is created once by a
// Provider, handed to a tier service, and discarded at request end. The
// only sanctioned way to derive a changed copy is Provider.Update.
type Context struct {
	UserID        string                   `json:"userId"`
	SessionID     string                   `json:"sessionId,omitempty"`
	Authenticated bool                     `json:"isAuthenticated"`
	Subscription  subscription.Context     `json:"subscription"`
	Permissions   subscription.Permissions `json:"permissions"`
	Security      security.Context         `json:"security"`
	Request       RequestInfo              `json:"request"`
	OrgID         string                   `json:"organization,omitempty"`
}

// Patch carries the fields Update may replace. Nil fields are left alone.
type Patch struct {
	Subscription *subscription.Context
	Permissions  *subscription.Permissions
	Security     *security.Context
	OrgID        *string
}
