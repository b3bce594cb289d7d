// Package billing syncs subscription plans from Stripe.
//
// Stripe is the source of truth for paid plans. The webhook handler
// verifies event signatures, then applies plan changes to the account
// store: checkouts upgrade, cancellations drop back to free, and paid
// invoices roll the credit cycle over.
package billing

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/quizforge/quizforge/internal/account"
	"github.com/quizforge/quizforge/internal/webhooks"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

var billingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quizforge",
	Subsystem: "billing",
	Name:      "events_total",
	Help:      "Stripe webhook events processed by type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(billingEventsTotal)
}

// Handler processes Stripe webhook deliveries.
type Handler struct {
	secret   string
	accounts account.Store
	emitter  *webhooks.Emitter
	logger   *slog.Logger
}

// NewHandler creates a Stripe webhook handler. The emitter may be nil.
func NewHandler(secret string, accounts account.Store, emitter *webhooks.Emitter, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		accounts: accounts,
		emitter:  emitter,
		logger:   logger,
	}
}

// RegisterRoutes sets up the billing webhook route. It must be mounted
// outside the API-key middleware: Stripe authenticates by signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.HandleWebhook)
}

// checkoutSession is the slice of a Stripe checkout session we act on.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// stripeSubscription is the slice of a Stripe subscription we act on.
type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// invoice is the slice of a Stripe invoice we act on.
type invoice struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// HandleWebhook handles POST /v1/billing/webhook
func (h *Handler) HandleWebhook(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "Billing webhook secret not configured",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		billingEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Stripe signature verification failed",
		})
		return
	}

	if err := h.handleEvent(c, &event); err != nil {
		billingEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		h.logger.Error("billing event failed",
			"eventId", event.ID,
			"type", event.Type,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Failed to process event",
		})
		return
	}

	billingEventsTotal.WithLabelValues(string(event.Type), "success").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) handleEvent(c *gin.Context, event *stripe.Event) error {
	ctx := c.Request.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return h.applyCheckout(ctx, session)

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applyCancellation(ctx, sub)

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applySubscriptionUpdate(ctx, sub)

	case "invoice.paid":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.applyInvoicePaid(ctx, inv)

	default:
		// Unhandled event types are acknowledged so Stripe stops retrying.
		h.logger.Debug("ignoring billing event", "type", event.Type)
		return nil
	}
}
