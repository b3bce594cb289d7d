// Package usage records audit entries and metering aggregates for every AI
// operation.
//
// Tracking is fire-and-forget from the pipeline's perspective: a failure
// here is logged and counted but never surfaces to the caller of the AI
// operation and never masks the operation's real outcome.
package usage

import (
	"context"
	"errors"
	"time"
)

var ErrSinkUnavailable = errors.New("usage: audit sink unavailable")

// Flush tuning.
const (
	BatchSize     = 10
	FlushInterval = 30 * time.Second
	QueueDepth    = 256
)

// Alert thresholds.
const (
	SlowLatencyMs = 10_000
	HighRiskScore = 80
)

// AuditEntry is the immutable record of one operation's outcome.
type AuditEntry struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	UserID          string            `json:"userId"`
	RequestID       string            `json:"requestId"`
	Operation       string            `json:"operation"`
	Model           string            `json:"model,omitempty"`
	TokensUsed      int               `json:"tokensUsed"`
	CreditsDeducted int64             `json:"creditsDeducted"`
	LatencyMs       int64             `json:"latencyMs"`
	Success         bool              `json:"success"`
	Error           string            `json:"error,omitempty"`
	RiskScore       int               `json:"riskScore"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Aggregate is a flushed batch summary handed to long-term storage.
type Aggregate struct {
	ID             string       `json:"id"`
	WindowStart    time.Time    `json:"windowStart"`
	WindowEnd      time.Time    `json:"windowEnd"`
	TotalRequests  int          `json:"totalRequests"`
	TotalTokens    int          `json:"totalTokens"`
	TotalCredits   int64        `json:"totalCredits"`
	AverageLatency float64      `json:"averageLatencyMs"`
	SuccessRate    float64      `json:"successRate"`
	TopModels      []NamedCount `json:"topModels"`
	TopFeatures    []NamedCount `json:"topFeatures"`
}

// NamedCount is one leaderboard row in an aggregate.
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ExportFilter restricts a compliance export.
type ExportFilter struct {
	Start      time.Time
	End        time.Time
	UserID     string
	Operation  string
	OnlyFailed bool
	Limit      int
}

// UserStats is the per-user read aggregate.
type UserStats struct {
	UserID        string  `json:"userId"`
	TotalRequests int     `json:"totalRequests"`
	TotalTokens   int     `json:"totalTokens"`
	TotalCredits  int64   `json:"totalCredits"`
	SuccessRate   float64 `json:"successRate"`
}

// SystemStats is the platform-wide read aggregate.
type SystemStats struct {
	TotalRequests  int          `json:"totalRequests"`
	TotalTokens    int          `json:"totalTokens"`
	TotalCredits   int64        `json:"totalCredits"`
	AverageLatency float64      `json:"averageLatencyMs"`
	SuccessRate    float64      `json:"successRate"`
	TopModels      []NamedCount `json:"topModels"`
	TopFeatures    []NamedCount `json:"topFeatures"`
}

// Sink is the external audit/metrics store.
type Sink interface {
	Append(ctx context.Context, entry *AuditEntry) error
	AppendAggregate(ctx context.Context, agg *Aggregate) error
	Query(ctx context.Context, filter ExportFilter) ([]*AuditEntry, error)
	UserStats(ctx context.Context, userID string) (*UserStats, error)
	SystemStats(ctx context.Context) (*SystemStats, error)
}

// AlertKind classifies threshold alerts.
type AlertKind string

const (
	AlertSlowOperation   AlertKind = "slow_operation"
	AlertHighRisk        AlertKind = "high_risk"
	AlertOperationFailed AlertKind = "operation_failed"
)

// Alert is a threshold violation raised while tracking.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	UserID    string    `json:"userId"`
	RequestID string    `json:"requestId"`
	Operation string    `json:"operation"`
	Detail    string    `json:"detail"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// Notifier receives alerts. Implementations must not block; delivery is
// best-effort.
type Notifier interface {
	NotifyAlert(alert Alert)
}
