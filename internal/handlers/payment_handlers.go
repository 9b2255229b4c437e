package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/services"
)

type PaymentHandler struct {
	records *services.PaymentRecords
}

func NewPaymentHandler(records *services.PaymentRecords) *PaymentHandler {
	return &PaymentHandler{records: records}
}

type listPaymentsRequest struct {
	ParentID      uint                 `json:"parentId"`
	InvoiceID     uint                 `json:"invoiceId"`
	InvoiceNumber string               `json:"invoiceNumber"`
	Status        models.PaymentStatus `json:"status"`
}

// GetPayments lists payment attempts, newest first
func (h *PaymentHandler) GetPayments(c echo.Context) error {
	var req listPaymentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	payments, err := h.records.List(c.Request().Context(), services.PaymentFilter{
		ParentID:      req.ParentID,
		InvoiceID:     req.InvoiceID,
		InvoiceNumber: req.InvoiceNumber,
		Status:        req.Status,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(lo.Map(payments, func(p models.Payment, _ int) *PaymentResponse {
		return toPaymentResponse(&p)
	})))
}
