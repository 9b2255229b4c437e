package handlers

import (
	"time"

	"github.com/samber/lo"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/money"
	"school_billing_echo/internal/services"
)

// Response is the envelope of every API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

// ItemResponse is one invoice line with decimal amounts
type ItemResponse struct {
	Description string       `json:"description"`
	UnitAmount  money.Amount `json:"unitAmount"`
	Quantity    int          `json:"quantity"`
	LineTotal   money.Amount `json:"lineTotal"`
}

type InvoiceResponse struct {
	ID               uint                 `json:"id"`
	InvoiceNumber    string               `json:"invoiceNumber"`
	ParentID         uint                 `json:"parentId"`
	StudentID        *uint                `json:"studentId,omitempty"`
	Items            []ItemResponse       `json:"items"`
	TotalAmount      money.Amount         `json:"totalAmount"`
	PaidAmount       money.Amount         `json:"paidAmount"`
	Outstanding      money.Amount         `json:"outstanding"`
	Currency         string               `json:"currency"`
	Status           models.InvoiceStatus `json:"status"`
	DueDate          time.Time            `json:"dueDate"`
	PaidAt           *time.Time           `json:"paidAt,omitempty"`
	PaymentReference string               `json:"paymentReference,omitempty"`
	Notes            string               `json:"notes,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
}

func toInvoiceResponse(inv *models.Invoice) *InvoiceResponse {
	if inv == nil {
		return nil
	}
	return &InvoiceResponse{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		ParentID:      inv.ParentID,
		StudentID:     inv.StudentID,
		Items: lo.Map(inv.Items, func(i models.InvoiceItem, _ int) ItemResponse {
			return ItemResponse{
				Description: i.Description,
				UnitAmount:  money.Amount(i.UnitAmount),
				Quantity:    i.Quantity,
				LineTotal:   money.Amount(i.LineTotal()),
			}
		}),
		TotalAmount:      money.Amount(inv.TotalAmount),
		PaidAmount:       money.Amount(inv.PaidAmount),
		Outstanding:      money.Amount(inv.Outstanding()),
		Currency:         inv.Currency,
		Status:           inv.Status,
		DueDate:          inv.DueDate,
		PaidAt:           inv.PaidAt,
		PaymentReference: inv.PaymentReference,
		Notes:            inv.Notes,
		CreatedAt:        inv.CreatedAt,
	}
}

type PaymentResponse struct {
	ID                     uint                         `json:"id"`
	ParentID               uint                         `json:"parentId"`
	StudentID              *uint                        `json:"studentId,omitempty"`
	InvoiceID              *uint                        `json:"invoiceId,omitempty"`
	InvoiceNumber          string                       `json:"invoiceNumber,omitempty"`
	Amount                 money.Amount                 `json:"amount"`
	Currency               string                       `json:"currency"`
	PaymentMethod          models.PaymentMethodSnapshot `json:"paymentMethod"`
	ProcessorTransactionID string                       `json:"processorTransactionId,omitempty"`
	Status                 models.PaymentStatus         `json:"status"`
	PaymentDate            time.Time                    `json:"paymentDate"`
	Description            string                       `json:"description,omitempty"`
	FailureReason          string                       `json:"failureReason,omitempty"`
}

func toPaymentResponse(p *models.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:                     p.ID,
		ParentID:               p.ParentID,
		StudentID:              p.StudentID,
		InvoiceID:              p.InvoiceID,
		InvoiceNumber:          p.InvoiceNumber,
		Amount:                 money.Amount(p.Amount),
		Currency:               p.Currency,
		PaymentMethod:          p.PaymentMethod,
		ProcessorTransactionID: p.ProcessorTransactionID,
		Status:                 p.Status,
		PaymentDate:            p.PaymentDate,
		Description:            p.Description,
		FailureReason:          p.FailureReason,
	}
}

type ChargeResponse struct {
	Status          services.ChargeOutcome `json:"status"`
	RequiresAction  bool                   `json:"requiresAction"`
	ClientSecret    string                 `json:"clientSecret,omitempty"`
	PaymentIntentID string                 `json:"paymentIntentId,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Invoice         *InvoiceResponse       `json:"invoice,omitempty"`
	Payment         *PaymentResponse       `json:"payment,omitempty"`
}

func toChargeResponse(r *services.ChargeResult) *ChargeResponse {
	if r == nil {
		return nil
	}
	return &ChargeResponse{
		Status:          r.Outcome,
		RequiresAction:  r.RequiresAction,
		ClientSecret:    r.ClientSecret,
		PaymentIntentID: r.TransactionID,
		Reason:          r.Reason,
		Invoice:         toInvoiceResponse(r.Invoice),
		Payment:         toPaymentResponse(r.Payment),
	}
}

type CardResponse struct {
	MethodID  string    `json:"methodId"`
	Brand     string    `json:"cardBrand"`
	Last4     string    `json:"last4"`
	ExpMonth  int       `json:"expMonth"`
	ExpYear   int       `json:"expYear"`
	IsDefault bool      `json:"isDefault"`
	AddedAt   time.Time `json:"addedAt"`
}

func toCardResponse(m *models.StoredPaymentMethod) *CardResponse {
	if m == nil {
		return nil
	}
	return &CardResponse{
		MethodID:  m.MethodID,
		Brand:     m.Brand,
		Last4:     m.Last4,
		ExpMonth:  m.ExpMonth,
		ExpYear:   m.ExpYear,
		IsDefault: m.IsDefault,
		AddedAt:   m.AddedAt,
	}
}

func toCardResponses(methods []models.StoredPaymentMethod) []CardResponse {
	return lo.Map(methods, func(m models.StoredPaymentMethod, _ int) CardResponse {
		return *toCardResponse(&m)
	})
}

type ParentResponse struct {
	ID                     uint                      `json:"id"`
	FullName               string                    `json:"fullName"`
	Email                  string                    `json:"email"`
	Phone                  string                    `json:"phone,omitempty"`
	Branch                 string                    `json:"branch,omitempty"`
	DefaultPaymentMethodID string                    `json:"defaultPaymentMethodId,omitempty"`
	PaymentMethods         []CardResponse            `json:"paymentMethods"`
	RecurringEnabled       bool                      `json:"recurringEnabled"`
	RecurringFrequency     models.RecurringFrequency `json:"recurringFrequency,omitempty"`
	NextPaymentDate        *time.Time                `json:"nextPaymentDate,omitempty"`
}

func toParentResponse(p *models.Parent) *ParentResponse {
	return &ParentResponse{
		ID:                     p.ID,
		FullName:               p.FullName,
		Email:                  p.Email,
		Phone:                  p.Phone,
		Branch:                 p.Branch,
		DefaultPaymentMethodID: p.CardDetail.DefaultPaymentMethodID,
		PaymentMethods:         toCardResponses(p.CardDetail.PaymentMethods),
		RecurringEnabled:       p.RecurringPayment.Enabled,
		RecurringFrequency:     p.RecurringPayment.Frequency,
		NextPaymentDate:        p.RecurringPayment.NextPaymentDate,
	}
}

type StudentResponse struct {
	ID          uint         `json:"id"`
	StudentName string       `json:"studentName"`
	Email       string       `json:"email"`
	FeeAmount   money.Amount `json:"feeAmount"`
}
