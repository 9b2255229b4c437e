package models

import (
	"time"

	"gorm.io/gorm"
)

type ReconciliationKind string

const (
	// ReconciliationOverpayment is processor-side money for an invoice that was already settled
	ReconciliationOverpayment ReconciliationKind = "overpayment"
	// ReconciliationOrphanIntent is a confirmed intent whose cancel failed after a local error
	ReconciliationOrphanIntent ReconciliationKind = "orphan_intent"
)

type ReconciliationStatus string

const (
	ReconciliationNeedsReview ReconciliationStatus = "needs_review"
	ReconciliationResolved    ReconciliationStatus = "resolved"
)

// Reconciliation flags a charge for manual review, usually to refund it
type Reconciliation struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Kind          ReconciliationKind   `gorm:"type:varchar(30)" json:"kind"`
	Status        ReconciliationStatus `gorm:"type:varchar(20);default:'needs_review';index" json:"status"`
	ParentID      uint                 `gorm:"index" json:"parent_id"`
	InvoiceID     *uint                `gorm:"index" json:"invoice_id"`
	PaymentID     *uint                `gorm:"index" json:"payment_id"`
	TransactionID string               `gorm:"type:varchar(100);index" json:"transaction_id"`
	Amount        int64                `json:"amount"`
	Currency      string               `gorm:"type:varchar(10)" json:"currency"`
	Note          string               `gorm:"type:text" json:"note"`
	ResolvedAt    *time.Time           `json:"resolved_at"`
}
