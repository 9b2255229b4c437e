package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/services"
)

const maxWebhookBody = 65536

type WebhookHandler struct {
	db           *gorm.DB
	orchestrator *services.PaymentOrchestrator
	secret       string
}

func NewWebhookHandler(db *gorm.DB, orchestrator *services.PaymentOrchestrator, secret string) *WebhookHandler {
	return &WebhookHandler{db: db, orchestrator: orchestrator, secret: secret}
}

// StripeWebhook finalizes intents that were waiting on the payer.
// Every delivery is logged; a redelivered event id is acknowledged without reprocessing.
func (h *WebhookHandler) StripeWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to read body")
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.Request().Header.Get("Stripe-Signature"), h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warnf("Rejected stripe webhook: %v", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	history := models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayStripe,
		EventID:        event.ID,
		EventType:      string(event.Type),
		Outcome:        "received",
		Metadata:       json.RawMessage(event.Data.Raw),
	}
	if err := h.db.WithContext(c.Request().Context()).Create(&history).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Errorf("Failed to log stripe event %s: %v", event.ID, err)
		} else {
			// only a delivery that errored earlier is processed again
			var prev models.PaymentCallbackHistory
			ferr := h.db.WithContext(c.Request().Context()).Where("event_id = ?", event.ID).First(&prev).Error
			if ferr == nil && prev.Outcome != "error" {
				return c.JSON(http.StatusOK, Response{Success: true, Message: "duplicate event"})
			}
			history = prev
		}
	}

	ev, handled := intentEventOf(event)
	if !handled {
		h.setOutcome(c, &history, "ignored")
		return c.JSON(http.StatusOK, Response{Success: true, Message: "ignored"})
	}

	result, err := h.orchestrator.ReconcileIntent(c.Request().Context(), ev)
	if err != nil {
		h.setOutcome(c, &history, "error")
		// conflicts mean another worker holds the invoice; let stripe retry later
		return err
	}

	outcome := "unknown_intent"
	if result != nil {
		outcome = string(result.Outcome)
	}
	h.setOutcome(c, &history, outcome)
	return c.JSON(http.StatusOK, ok(toChargeResponse(result)))
}

func (h *WebhookHandler) setOutcome(c echo.Context, history *models.PaymentCallbackHistory, outcome string) {
	if history.ID == 0 {
		return
	}
	if err := h.db.WithContext(c.Request().Context()).Model(history).Update("outcome", outcome).Error; err != nil {
		log.Warnf("Failed to update stripe event %s outcome: %v", history.EventID, err)
	}
}

// intentEventOf maps payment intent events; everything else is not ours to handle
func intentEventOf(event stripe.Event) (services.IntentEvent, bool) {
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
	default:
		return services.IntentEvent{}, false
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		log.Warnf("Failed to parse payment intent in event %s: %v", event.ID, err)
		return services.IntentEvent{}, false
	}

	ev := services.IntentEvent{
		TransactionID: pi.ID,
		Status:        services.IntentStatus(pi.Status),
		AmountMinor:   pi.AmountReceived,
		Currency:      string(pi.Currency),
		Metadata:      pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		ev.MethodID = pi.PaymentMethod.ID
	}
	if event.Type == "payment_intent.payment_failed" {
		ev.Status = services.IntentFailed
	}
	if pi.LastPaymentError != nil {
		ev.FailureMessage = pi.LastPaymentError.Msg
	}
	return ev, true
}
