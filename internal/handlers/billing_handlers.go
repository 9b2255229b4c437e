package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"school_billing_echo/internal/money"
	"school_billing_echo/internal/services"
)

// ErrorDataKey carries a partial result to the error handler so clients still see
// the failed payment and invoice state next to the error
const ErrorDataKey = "errorData"

type BillingHandler struct {
	orchestrator *services.PaymentOrchestrator
	vault        *services.CardVault
}

func NewBillingHandler(orchestrator *services.PaymentOrchestrator, vault *services.CardVault) *BillingHandler {
	return &BillingHandler{orchestrator: orchestrator, vault: vault}
}

type cardInput struct {
	MethodID  string `json:"methodId"`
	Brand     string `json:"cardBrand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"expMonth"`
	ExpYear   int    `json:"expYear"`
	IsDefault bool   `json:"isDefault"`
}

func (in cardInput) toCardData() services.CardData {
	return services.CardData{
		MethodID:  strings.TrimSpace(in.MethodID),
		Brand:     in.Brand,
		Last4:     in.Last4,
		ExpMonth:  in.ExpMonth,
		ExpYear:   in.ExpYear,
		IsDefault: in.IsDefault,
	}
}

type chargeInvoiceRequest struct {
	InvoiceID       uint         `json:"invoiceId"`
	MethodID        string       `json:"methodId"`
	// older clients send paymentMethodId
	PaymentMethodID string       `json:"paymentMethodId"`
	Amount          money.Amount `json:"amount"`
	CardDetails     *cardInput   `json:"cardDetails"`
}

func (r chargeInvoiceRequest) methodID() string {
	if id := strings.TrimSpace(r.MethodID); id != "" {
		return id
	}
	return strings.TrimSpace(r.PaymentMethodID)
}

// ChargeInvoice charges an invoice with a card the payer supplied.
// An Idempotency-Key header makes retries of the same request safe.
func (h *BillingHandler) ChargeInvoice(c echo.Context) error {
	var req chargeInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	chargeReq := services.ChargeRequest{
		InvoiceID:      req.InvoiceID,
		MethodID:       req.methodID(),
		AmountMinor:    req.Amount.Minor(),
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	}
	if req.CardDetails != nil {
		card := req.CardDetails.toCardData()
		chargeReq.Card = &card
	}

	result, err := h.orchestrator.ChargeInvoiceWithMethod(c.Request().Context(), chargeReq)
	if err != nil {
		if result != nil {
			c.Set(ErrorDataKey, toChargeResponse(result))
		}
		return err
	}
	return c.JSON(http.StatusOK, ok(toChargeResponse(result)))
}

type addCardRequest struct {
	ParentID uint      `json:"parentId"`
	CardData cardInput `json:"cardData"`
}

func (h *BillingHandler) AddCard(c echo.Context) error {
	var req addCardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	card, err := h.vault.AddCard(c.Request().Context(), req.ParentID, req.CardData.toCardData())
	if err != nil {
		return err
	}
	cards, err := h.vault.ListCards(c.Request().Context(), req.ParentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(map[string]interface{}{
		"card":  toCardResponse(card),
		"cards": toCardResponses(cards),
	}))
}

type cardRefRequest struct {
	ParentID uint   `json:"parentId"`
	MethodID string `json:"methodId"`
}

func (h *BillingHandler) SetDefaultCard(c echo.Context) error {
	var req cardRefRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	card, err := h.vault.SetDefault(c.Request().Context(), req.ParentID, strings.TrimSpace(req.MethodID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(map[string]interface{}{
		"defaultCard": toCardResponse(card),
	}))
}

func (h *BillingHandler) RemoveCard(c echo.Context) error {
	var req cardRefRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	removed, remaining, err := h.vault.RemoveCard(c.Request().Context(), req.ParentID, strings.TrimSpace(req.MethodID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(map[string]interface{}{
		"removedCard":    toCardResponse(removed),
		"remainingCount": remaining,
	}))
}
