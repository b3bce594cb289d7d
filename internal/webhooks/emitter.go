package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quizforge/quizforge/internal/idgen"
	"github.com/quizforge/quizforge/internal/usage"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quizforge",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quizforge",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// --- Operation events ---

// EmitOperationCompleted emits an operation.completed event.
func (e *Emitter) EmitOperationCompleted(userID, requestID, operation, model string, tokensUsed, creditsUsed int64) {
	e.emit(userID, EventOperationCompleted, map[string]interface{}{
		"requestId":   requestID,
		"userId":      userID,
		"operation":   operation,
		"model":       model,
		"tokensUsed":  tokensUsed,
		"creditsUsed": creditsUsed,
	})
}

// EmitOperationFailed emits an operation.failed event.
func (e *Emitter) EmitOperationFailed(userID, requestID, operation, errorCode, detail string) {
	e.emit(userID, EventOperationFailed, map[string]interface{}{
		"requestId": requestID,
		"userId":    userID,
		"operation": operation,
		"errorCode": errorCode,
		"detail":    detail,
	})
}

// --- Account events ---

// EmitCreditsLow emits a credits.low event.
func (e *Emitter) EmitCreditsLow(userID string, remaining int64) {
	e.emit(userID, EventCreditsLow, map[string]interface{}{
		"userId":    userID,
		"remaining": remaining,
	})
}

// EmitPlanChanged emits a plan.changed event.
func (e *Emitter) EmitPlanChanged(userID, oldPlan, newPlan string) {
	e.emit(userID, EventPlanChanged, map[string]interface{}{
		"userId":  userID,
		"oldPlan": oldPlan,
		"newPlan": newPlan,
	})
}

// NotifyAlert delivers a usage alert to the user's webhooks. It satisfies
// usage.Notifier so the tracker can fan alerts out without knowing about
// webhook subscriptions.
func (e *Emitter) NotifyAlert(alert usage.Alert) {
	e.emit(alert.UserID, EventUsageAlert, map[string]interface{}{
		"kind":      alert.Kind,
		"userId":    alert.UserID,
		"requestId": alert.RequestID,
		"operation": alert.Operation,
		"detail":    alert.Detail,
		"raisedAt":  alert.RaisedAt,
	})
}
