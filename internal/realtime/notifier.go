package realtime

import (
	"time"

	"github.com/quizforge/quizforge/internal/usage"
)

// AlertNotifier bridges usage tracker alerts onto the hub's event stream.
type AlertNotifier struct {
	hub *Hub
}

// NewAlertNotifier wraps a hub as a usage alert sink.
func NewAlertNotifier(hub *Hub) *AlertNotifier {
	return &AlertNotifier{hub: hub}
}

// NotifyAlert broadcasts a usage alert to subscribed clients.
func (n *AlertNotifier) NotifyAlert(a usage.Alert) {
	n.hub.Broadcast(&Event{
		Type:      EventUsageAlert,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"kind":      string(a.Kind),
			"userId":    a.UserID,
			"operation": a.Operation,
			"detail":    a.Detail,
		},
	})
}
