package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/samber/lo"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/money"
	"school_billing_echo/internal/services"
)

// InvoiceNotifier is told about every newly issued invoice
type InvoiceNotifier interface {
	NotifyInvoiceIssued(ctx context.Context, inv *models.Invoice) error
}

type InvoiceHandler struct {
	ledger   *services.InvoiceLedger
	notifier InvoiceNotifier
	now      func() time.Time
}

func NewInvoiceHandler(ledger *services.InvoiceLedger, notifier InvoiceNotifier) *InvoiceHandler {
	return &InvoiceHandler{ledger: ledger, notifier: notifier, now: time.Now}
}

type itemInput struct {
	Description string       `json:"description"`
	UnitAmount  money.Amount `json:"unitAmount"`
	Quantity    int          `json:"quantity"`
}

func toItems(in []itemInput) []models.InvoiceItem {
	return lo.Map(in, func(i itemInput, _ int) models.InvoiceItem {
		return models.InvoiceItem{
			Description: strings.TrimSpace(i.Description),
			UnitAmount:  i.UnitAmount.Minor(),
			Quantity:    i.Quantity,
		}
	})
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates
func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid date "+raw+", use YYYY-MM-DD or RFC 3339")
	}
	return &t, nil
}

type createInvoiceRequest struct {
	ParentID    uint         `json:"parentId"`
	StudentID   *uint        `json:"studentId"`
	Items       []itemInput  `json:"items"`
	TotalAmount money.Amount `json:"totalAmount"`
	Currency    string       `json:"currency"`
	DueDate     string       `json:"dueDate"`
	Notes       string       `json:"notes"`
}

// CreateInvoice issues an invoice and queues the parent notification
func (h *InvoiceHandler) CreateInvoice(c echo.Context) error {
	var req createInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	invoice, err := h.ledger.CreateInvoice(ctx, services.CreateInvoiceInput{
		ParentID:    req.ParentID,
		StudentID:   req.StudentID,
		Items:       toItems(req.Items),
		TotalAmount: req.TotalAmount.Minor(),
		Currency:    req.Currency,
		DueDate:     dueDate,
		Notes:       req.Notes,
	})
	if err != nil {
		return err
	}

	if h.notifier != nil {
		if err := h.notifier.NotifyInvoiceIssued(ctx, invoice); err != nil {
			log.Warnf("Failed to queue notification for invoice %s: %v", invoice.InvoiceNumber, err)
		}
	}

	return c.JSON(http.StatusCreated, ok(toInvoiceResponse(invoice)))
}

type invoiceRefRequest struct {
	InvoiceID     uint   `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
}

func (h *InvoiceHandler) GetInvoiceByID(c echo.Context) error {
	var req invoiceRefRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var (
		invoice *models.Invoice
		err     error
	)
	switch {
	case req.InvoiceID > 0:
		invoice, err = h.ledger.GetInvoice(c.Request().Context(), req.InvoiceID)
	case req.InvoiceNumber != "":
		invoice, err = h.ledger.GetInvoiceByNumber(c.Request().Context(), req.InvoiceNumber)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invoiceId or invoiceNumber is required")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(toInvoiceResponse(invoice)))
}

type listInvoicesRequest struct {
	ParentID  uint                 `json:"parentId"`
	StudentID uint                 `json:"studentId"`
	Status    models.InvoiceStatus `json:"status"`
}

func (h *InvoiceHandler) GetAllInvoices(c echo.Context) error {
	var req listInvoicesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	invoices, err := h.ledger.ListInvoices(c.Request().Context(), services.InvoiceFilter{
		ParentID:  req.ParentID,
		StudentID: req.StudentID,
		Status:    req.Status,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(lo.Map(invoices, func(inv models.Invoice, _ int) *InvoiceResponse {
		return toInvoiceResponse(&inv)
	})))
}

type updateInvoiceRequest struct {
	InvoiceID   uint          `json:"invoiceId"`
	Items       []itemInput   `json:"items"`
	TotalAmount *money.Amount `json:"totalAmount"`
	DueDate     string        `json:"dueDate"`
	Notes       *string       `json:"notes"`
}

func (h *InvoiceHandler) UpdateInvoice(c echo.Context) error {
	var req updateInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		return err
	}

	in := services.UpdateInvoiceInput{DueDate: dueDate, Notes: req.Notes}
	if req.Items != nil {
		in.Items = toItems(req.Items)
	}
	if req.TotalAmount != nil {
		total := req.TotalAmount.Minor()
		in.TotalAmount = &total
	}

	invoice, err := h.ledger.UpdateInvoice(c.Request().Context(), req.InvoiceID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(toInvoiceResponse(invoice)))
}

type statsRequest struct {
	Year int `json:"year"`
}

type statsResponse struct {
	Year          int                `json:"year"`
	TotalInvoices int                `json:"totalInvoices"`
	TotalBilled   money.Amount       `json:"totalBilled"`
	TotalPaid     money.Amount       `json:"totalPaid"`
	TotalUnpaid   money.Amount       `json:"totalUnpaid"`
	PendingCount  int                `json:"pendingCount"`
	OverdueCount  int                `json:"overdueCount"`
	PaidCount     int                `json:"paidCount"`
	Monthly       []monthlyStatResp  `json:"monthly"`
	UnpaidPeriods []unpaidPeriodResp `json:"unpaidByPeriod"`
}

type monthlyStatResp struct {
	Month  int          `json:"month"`
	Paid   money.Amount `json:"paid"`
	Unpaid money.Amount `json:"unpaid"`
}

type unpaidPeriodResp struct {
	Period   string       `json:"period"`
	Unpaid   money.Amount `json:"unpaid"`
	Invoices int          `json:"invoices"`
}

// GetInvoicesStats reports yearly billing totals; the year defaults to the current one
func (h *InvoiceHandler) GetInvoicesStats(c echo.Context) error {
	var req statsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Year == 0 {
		req.Year = h.now().Year()
	}

	ctx := c.Request().Context()
	stats, err := h.ledger.Stats(ctx, req.Year)
	if err != nil {
		return err
	}
	periods, err := h.ledger.UnpaidTotalsByPeriod(ctx, req.Year)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ok(statsResponse{
		Year:          stats.Year,
		TotalInvoices: stats.TotalInvoices,
		TotalBilled:   money.Amount(stats.TotalBilled),
		TotalPaid:     money.Amount(stats.TotalPaid),
		TotalUnpaid:   money.Amount(stats.TotalUnpaid),
		PendingCount:  stats.PendingCount,
		OverdueCount:  stats.OverdueCount,
		PaidCount:     stats.PaidCount,
		Monthly: lo.Map(stats.Monthly, func(m services.MonthlyStat, _ int) monthlyStatResp {
			return monthlyStatResp{Month: m.Month, Paid: money.Amount(m.Paid), Unpaid: money.Amount(m.Unpaid)}
		}),
		UnpaidPeriods: lo.Map(periods, func(p services.PeriodTotal, _ int) unpaidPeriodResp {
			return unpaidPeriodResp{Period: p.Period, Unpaid: money.Amount(p.Unpaid), Invoices: p.Invoices}
		}),
	}))
}
