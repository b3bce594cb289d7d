// Package security scores inbound request risk from network and identity
// signals.
//
// Every AI request is assessed before any credits move: IP reputation,
// user-agent anomalies, suspicious headers, and authentication state each
// contribute to a 0-100 risk score. The score drives audit depth,
// encryption requirements, and manual-approval flags downstream.
package security

import "time"

// AuditLevel controls how much detail the usage tracker records.
type AuditLevel string

const (
	AuditBasic         AuditLevel = "basic"
	AuditDetailed      AuditLevel = "detailed"
	AuditComprehensive AuditLevel = "comprehensive"
)

// EncryptionLevel indicates the transport/storage encryption required.
type EncryptionLevel string

const (
	EncryptionStandard EncryptionLevel = "standard"
	EncryptionEnhanced EncryptionLevel = "enhanced"
)

// Score thresholds for escalation.
const (
	ApprovalThreshold      = 80 // above this, a human must approve
	DetailedThreshold      = 50
	EnhancedCryptThreshold = 70
	MaxScore               = 100
)

// RequestMeta carries the network-level facts about an inbound request.
type RequestMeta struct {
	IP        string
	UserAgent string
	Method    string
	Headers   map[string]string
	Source    string
	RequestID string
}

// Identity is the caller's resolved identity, possibly anonymous.
type Identity struct {
	UserID        string
	SessionID     string
	OrgID         string
	Authenticated bool
}

// Context is the immutable security assessment for one request.
type Context struct {
	RiskScore        int             `json:"riskScore"`
	RequiresApproval bool            `json:"requiresApproval"`
	AuditLevel       AuditLevel      `json:"auditLevel"`
	EncryptionLevel  EncryptionLevel `json:"encryptionLevel"`
	Compliance       []string        `json:"compliance"`
	AssessedAt       time.Time       `json:"assessedAt"`
}

// Valid reports whether the context is internally consistent.
func (c Context) Valid() bool {
	if c.RiskScore < 0 || c.RiskScore > MaxScore {
		return false
	}
	if c.RequiresApproval != (c.RiskScore > ApprovalThreshold) {
		return false
	}
	return true
}
