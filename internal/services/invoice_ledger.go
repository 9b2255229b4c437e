package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
)

const defaultDueDays = 7

// CreateInvoiceInput is an invoice issuance request. Amounts are minor units.
type CreateInvoiceInput struct {
	ParentID    uint
	StudentID   *uint
	Items       []models.InvoiceItem
	TotalAmount int64
	Currency    string
	DueDate     *time.Time
	Notes       string
}

// UpdateInvoiceInput is an admin edit. Nil fields are left unchanged.
type UpdateInvoiceInput struct {
	Items       []models.InvoiceItem
	TotalAmount *int64
	DueDate     *time.Time
	Notes       *string
}

// InvoiceFilter narrows ListInvoices
type InvoiceFilter struct {
	ParentID  uint
	StudentID uint
	Status    models.InvoiceStatus
}

// InvoiceLedger owns invoice issuance and the paid/unpaid state of every invoice
type InvoiceLedger struct {
	db              *gorm.DB
	now             func() time.Time
	defaultCurrency string
}

func NewInvoiceLedger(db *gorm.DB, defaultCurrency string) *InvoiceLedger {
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &InvoiceLedger{db: db, now: time.Now, defaultCurrency: defaultCurrency}
}

// CreateInvoice issues a pending invoice with a fresh invoice number
func (l *InvoiceLedger) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*models.Invoice, error) {
	if in.ParentID == 0 {
		return nil, invalidInput("parent id is required")
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Description) == "" {
			return nil, invalidInput("item %d: description is required", i+1)
		}
		if item.UnitAmount < 0 || item.Quantity < 0 {
			return nil, invalidInput("item %d: amount and quantity must not be negative", i+1)
		}
		if item.Quantity == 0 {
			in.Items[i].Quantity = 1
		}
	}

	total := in.TotalAmount
	if total == 0 {
		total = lo.SumBy(in.Items, func(i models.InvoiceItem) int64 { return i.LineTotal() })
	}
	if total <= 0 {
		return nil, invalidInput("total amount must be greater than zero")
	}

	db := l.db.WithContext(ctx)

	var parent models.Parent
	if err := db.First(&parent, in.ParentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("parent %d not found", in.ParentID)
		}
		return nil, internal("failed to load parent", err)
	}
	if in.StudentID != nil {
		var student models.Student
		err := db.Where("id = ? AND parent_id = ?", *in.StudentID, in.ParentID).First(&student).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("student %d not found for parent %d", *in.StudentID, in.ParentID)
		}
		if err != nil {
			return nil, internal("failed to load student", err)
		}
	}

	now := l.now()
	dueDate := now.AddDate(0, 0, defaultDueDays)
	if in.DueDate != nil {
		dueDate = *in.DueDate
	}
	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = l.defaultCurrency
	}

	number, err := l.nextInvoiceNumber(db, now)
	if err != nil {
		return nil, err
	}

	invoice := &models.Invoice{
		ParentID:      in.ParentID,
		StudentID:     in.StudentID,
		InvoiceNumber: number,
		Items:         in.Items,
		TotalAmount:   total,
		PaidAmount:    0,
		Currency:      currency,
		Status:        models.InvoiceStatusPending,
		DueDate:       dueDate,
		Notes:         in.Notes,
	}
	if err := db.Create(invoice).Error; err != nil {
		return nil, internal("failed to create invoice", err)
	}
	return invoice, nil
}

// nextInvoiceNumber derives INV-<unix millis> and steps forward past any number already taken
func (l *InvoiceLedger) nextInvoiceNumber(db *gorm.DB, now time.Time) (string, error) {
	ms := now.UnixMilli()
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("INV-%d", ms+int64(i))
		var count int64
		if err := db.Unscoped().Model(&models.Invoice{}).Where("invoice_number = ?", candidate).Count(&count).Error; err != nil {
			return "", internal("failed to check invoice number", err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
	return "", conflict("could not allocate an invoice number")
}

// PaymentApplication is one captured charge to credit against an invoice
type PaymentApplication struct {
	InvoiceID uint
	Amount    int64
	PaidAt    time.Time
	Reference string
	MethodID  string
}

// ApplyResult reports what ApplyCharge did. AppliedAmount is below the charged amount
// when the invoice had less outstanding than was captured; Excess holds the difference.
type ApplyResult struct {
	Invoice       *models.Invoice
	Applied       bool
	AppliedAmount int64
	Excess        int64
}

// ApplyPayment credits amountPaid to the invoice and flips it to paid once fully covered.
// A transactionReference that was already applied is a no-op and returns applied=false.
func (l *InvoiceLedger) ApplyPayment(ctx context.Context, invoiceID uint, amountPaid int64, paidAt time.Time, transactionReference string) (*models.Invoice, bool, error) {
	res, err := l.ApplyCharge(ctx, PaymentApplication{
		InvoiceID: invoiceID,
		Amount:    amountPaid,
		PaidAt:    paidAt,
		Reference: transactionReference,
	})
	if err != nil {
		return nil, false, err
	}
	return res.Invoice, res.Applied, nil
}

// ApplyCharge credits a captured charge, capping the invoice at its total.
// The write is conditional on the status and paid amount that were read, so a racing
// writer makes this call fail with a conflict instead of double-applying.
func (l *InvoiceLedger) ApplyCharge(ctx context.Context, in PaymentApplication) (*ApplyResult, error) {
	if in.Amount <= 0 {
		return nil, invalidInput("amount paid must be greater than zero")
	}
	if in.Reference == "" {
		return nil, invalidInput("transaction reference is required")
	}

	var invoice models.Invoice
	result := &ApplyResult{}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.InvoiceApplication{}).Where("transaction_reference = ?", in.Reference).Count(&existing).Error; err != nil {
			return internal("failed to check payment reference", err)
		}

		if err := tx.First(&invoice, in.InvoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("invoice %d not found", in.InvoiceID)
			}
			return internal("failed to load invoice", err)
		}
		if existing > 0 {
			return nil
		}
		if !invoice.IsPayable() {
			return conflict("invoice %s is already %s", invoice.InvoiceNumber, invoice.Status)
		}

		newPaid := invoice.PaidAmount + in.Amount
		if newPaid > invoice.TotalAmount {
			newPaid = invoice.TotalAmount
		}
		newStatus := invoice.Status
		if newPaid == invoice.TotalAmount {
			newStatus = models.InvoiceStatusPaid
		}

		updates := map[string]interface{}{
			"paid_amount":       newPaid,
			"status":            newStatus,
			"paid_at":           in.PaidAt,
			"payment_reference": in.Reference,
		}
		if in.MethodID != "" {
			updates["payment_method_id"] = in.MethodID
		}
		res := tx.Model(&models.Invoice{}).
			Where("id = ? AND status IN ? AND paid_amount = ?", invoice.ID, models.PayableStatuses, invoice.PaidAmount).
			Updates(updates)
		if res.Error != nil {
			return internal("failed to apply payment", res.Error)
		}
		if res.RowsAffected == 0 {
			return conflict("invoice %s was updated concurrently", invoice.InvoiceNumber)
		}

		app := models.InvoiceApplication{
			InvoiceID:            invoice.ID,
			TransactionReference: in.Reference,
			Amount:               newPaid - invoice.PaidAmount,
			AppliedAt:            in.PaidAt,
		}
		if err := tx.Create(&app).Error; err != nil {
			return internal("failed to record payment application", err)
		}

		result.AppliedAmount = app.Amount
		result.Excess = in.Amount - app.Amount
		invoice.PaidAmount = newPaid
		invoice.Status = newStatus
		invoice.PaidAt = &in.PaidAt
		invoice.PaymentReference = in.Reference
		if in.MethodID != "" {
			invoice.PaymentMethodID = in.MethodID
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Invoice = &invoice
	return result, nil
}

// MarkFailedAttempt records a failed charge: the invoice goes back to pending, or overdue
// when past its due date. Paid invoices and paid amounts are never touched.
func (l *InvoiceLedger) MarkFailedAttempt(ctx context.Context, invoiceID uint, transactionReference string) (*models.Invoice, error) {
	db := l.db.WithContext(ctx)

	var invoice models.Invoice
	if err := db.First(&invoice, invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("invoice %d not found", invoiceID)
		}
		return nil, internal("failed to load invoice", err)
	}

	status := models.InvoiceStatusPending
	if l.now().After(invoice.DueDate) {
		status = models.InvoiceStatusOverdue
	}
	updates := map[string]interface{}{"status": status}
	if transactionReference != "" {
		updates["payment_reference"] = transactionReference
	}

	res := db.Model(&models.Invoice{}).
		Where("id = ? AND status IN ?", invoiceID, models.PayableStatuses).
		Updates(updates)
	if res.Error != nil {
		return nil, internal("failed to mark invoice attempt", res.Error)
	}
	if res.RowsAffected > 0 {
		invoice.Status = status
		if transactionReference != "" {
			invoice.PaymentReference = transactionReference
		}
	}
	return &invoice, nil
}

// UpdateInvoice applies an admin edit to an unpaid invoice
func (l *InvoiceLedger) UpdateInvoice(ctx context.Context, invoiceID uint, in UpdateInvoiceInput) (*models.Invoice, error) {
	var invoice models.Invoice
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&invoice, invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("invoice %d not found", invoiceID)
			}
			return internal("failed to load invoice", err)
		}
		if invoice.Status == models.InvoiceStatusPaid {
			return conflict("invoice %s is paid and can no longer be edited", invoice.InvoiceNumber)
		}

		updates := map[string]interface{}{}
		if in.Items != nil {
			invoice.Items = in.Items
			updates["items"] = in.Items
			if in.TotalAmount == nil {
				total := lo.SumBy(in.Items, func(i models.InvoiceItem) int64 { return i.LineTotal() })
				in.TotalAmount = &total
			}
		}
		if in.TotalAmount != nil {
			if *in.TotalAmount <= 0 {
				return invalidInput("total amount must be greater than zero")
			}
			if *in.TotalAmount <= invoice.PaidAmount {
				return invalidInput("total amount must stay above the %d already paid", invoice.PaidAmount)
			}
			invoice.TotalAmount = *in.TotalAmount
			updates["total_amount"] = *in.TotalAmount
		}
		if in.DueDate != nil {
			invoice.DueDate = *in.DueDate
			updates["due_date"] = *in.DueDate
			status := models.InvoiceStatusPending
			if l.now().After(*in.DueDate) {
				status = models.InvoiceStatusOverdue
			}
			invoice.Status = status
			updates["status"] = status
		}
		if in.Notes != nil {
			invoice.Notes = *in.Notes
			updates["notes"] = *in.Notes
		}
		if len(updates) == 0 {
			return nil
		}

		// items go through the struct so the json serializer applies
		res := tx.Model(&invoice).
			Where("status IN ? AND paid_amount = ?", models.PayableStatuses, invoice.PaidAmount).
			Select(lo.Keys(updates)).
			Updates(invoice)
		if res.Error != nil {
			return internal("failed to update invoice", res.Error)
		}
		if res.RowsAffected == 0 {
			return conflict("invoice %s was updated concurrently", invoice.InvoiceNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetInvoice loads an invoice by id
func (l *InvoiceLedger) GetInvoice(ctx context.Context, invoiceID uint) (*models.Invoice, error) {
	var invoice models.Invoice
	err := l.db.WithContext(ctx).Preload("Applications").First(&invoice, invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("invoice %d not found", invoiceID)
	}
	if err != nil {
		return nil, internal("failed to load invoice", err)
	}
	return &invoice, nil
}

// GetInvoiceByNumber loads an invoice by its human-facing number
func (l *InvoiceLedger) GetInvoiceByNumber(ctx context.Context, number string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := l.db.WithContext(ctx).Where("invoice_number = ?", number).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("invoice %s not found", number)
	}
	if err != nil {
		return nil, internal("failed to load invoice", err)
	}
	return &invoice, nil
}

// ListInvoices returns invoices newest first
func (l *InvoiceLedger) ListInvoices(ctx context.Context, f InvoiceFilter) ([]models.Invoice, error) {
	query := l.db.WithContext(ctx).Model(&models.Invoice{})
	if f.ParentID > 0 {
		query = query.Where("parent_id = ?", f.ParentID)
	}
	if f.StudentID > 0 {
		query = query.Where("student_id = ?", f.StudentID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var invoices []models.Invoice
	if err := query.Order("created_at desc, id desc").Find(&invoices).Error; err != nil {
		return nil, internal("failed to list invoices", err)
	}
	return invoices, nil
}

// PendingInvoices returns every pending invoice, oldest due first
func (l *InvoiceLedger) PendingInvoices(ctx context.Context) ([]models.Invoice, error) {
	return l.byStatus(ctx, models.InvoiceStatusPending)
}

// OverdueInvoices returns every overdue invoice, oldest due first
func (l *InvoiceLedger) OverdueInvoices(ctx context.Context) ([]models.Invoice, error) {
	return l.byStatus(ctx, models.InvoiceStatusOverdue)
}

func (l *InvoiceLedger) byStatus(ctx context.Context, status models.InvoiceStatus) ([]models.Invoice, error) {
	var invoices []models.Invoice
	if err := l.db.WithContext(ctx).Where("status = ?", status).Order("due_date asc, id asc").Find(&invoices).Error; err != nil {
		return nil, internal("failed to load invoices", err)
	}
	return invoices, nil
}

// MarkOverdueInvoices flips pending invoices whose due date has passed. It returns how many changed.
func (l *InvoiceLedger) MarkOverdueInvoices(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND due_date < ?", models.InvoiceStatusPending, l.now()).
		Update("status", models.InvoiceStatusOverdue)
	if res.Error != nil {
		return 0, internal("failed to mark overdue invoices", res.Error)
	}
	return res.RowsAffected, nil
}
