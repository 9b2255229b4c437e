package services

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"school_billing_echo/internal/models"
)

// PaymentRecords is the append-only store of charge attempts
type PaymentRecords struct {
	db *gorm.DB
}

func NewPaymentRecords(db *gorm.DB) *PaymentRecords {
	return &PaymentRecords{db: db}
}

// Record appends a payment attempt. When a row with the same processor transaction
// already exists it is returned unchanged and created is false, which makes replays safe.
func (r *PaymentRecords) Record(ctx context.Context, p *models.Payment) (*models.Payment, bool, error) {
	if p.ID != 0 {
		return nil, false, invalidInput("payment records are append-only")
	}
	if p.ParentID == 0 {
		return nil, false, invalidInput("payment must belong to a parent")
	}

	db := r.db.WithContext(ctx)

	if p.ProcessorTransactionID != "" {
		existing, err := r.FindByTransaction(ctx, p.ProcessorTransactionID)
		if err == nil {
			return existing, false, nil
		}
		if !IsKind(err, KindNotFound) {
			return nil, false, err
		}
	}

	if err := db.Create(p).Error; err != nil {
		// lost an insert race on the transaction index
		if p.ProcessorTransactionID != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, findErr := r.FindByTransaction(ctx, p.ProcessorTransactionID)
			if findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, internal("failed to record payment", err)
	}
	return p, true, nil
}

// FindByTransaction looks a payment up by processor transaction id
func (r *PaymentRecords) FindByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).Where("processor_transaction_id = ?", transactionID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("payment for transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, internal("failed to load payment", err)
	}
	return &p, nil
}

// PaymentFilter narrows List
type PaymentFilter struct {
	ParentID      uint
	InvoiceID     uint
	InvoiceNumber string
	Status        models.PaymentStatus
}

// List returns payments newest first
func (r *PaymentRecords) List(ctx context.Context, f PaymentFilter) ([]models.Payment, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})
	if f.ParentID > 0 {
		query = query.Where("parent_id = ?", f.ParentID)
	}
	if f.InvoiceID > 0 {
		query = query.Where("invoice_id = ?", f.InvoiceID)
	}
	if f.InvoiceNumber != "" {
		query = query.Where("invoice_number = ?", f.InvoiceNumber)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var payments []models.Payment
	if err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: "payment_date"}, Desc: true}).Order("id desc").Find(&payments).Error; err != nil {
		return nil, internal("failed to list payments", err)
	}
	return payments, nil
}

// FlagForReview opens a manual reconciliation case
func (r *PaymentRecords) FlagForReview(ctx context.Context, rec *models.Reconciliation) error {
	rec.Status = models.ReconciliationNeedsReview
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return internal("failed to flag payment for review", err)
	}
	return nil
}

// OpenReconciliations lists cases still waiting for review
func (r *PaymentRecords) OpenReconciliations(ctx context.Context) ([]models.Reconciliation, error) {
	var recs []models.Reconciliation
	err := r.db.WithContext(ctx).Where("status = ?", models.ReconciliationNeedsReview).Order("id asc").Find(&recs).Error
	if err != nil {
		return nil, internal("failed to load reconciliations", err)
	}
	return recs, nil
}
