package models

import (
	"time"
)

// PaymentStatus is the outcome of one charge attempt
type PaymentStatus string

const (
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusProcessing PaymentStatus = "processing"
)

// PaymentMethodSnapshot is a copy of the card used, taken at charge time
type PaymentMethodSnapshot struct {
	MethodID string `json:"method_id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// SnapshotOf copies a vault entry into a payment snapshot
func SnapshotOf(m StoredPaymentMethod) PaymentMethodSnapshot {
	return PaymentMethodSnapshot{
		MethodID: m.MethodID,
		Brand:    m.Brand,
		Last4:    m.Last4,
		ExpMonth: m.ExpMonth,
		ExpYear:  m.ExpYear,
	}
}

// Payment records a single charge attempt. Rows are append-only.
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ParentID      uint   `gorm:"index" json:"parent_id"`
	StudentID     *uint  `gorm:"index" json:"student_id"`
	InvoiceID     *uint  `gorm:"index" json:"invoice_id"`
	InvoiceNumber string `gorm:"type:varchar(50);index" json:"invoice_number"`

	Amount        int64                 `json:"amount"`
	Currency      string                `gorm:"type:varchar(10);default:'usd'" json:"currency"`
	PaymentMethod PaymentMethodSnapshot `gorm:"serializer:json" json:"payment_method"`

	// Empty when the attempt failed before the processor created an intent
	ProcessorTransactionID string `gorm:"type:varchar(100);uniqueIndex:idx_payments_transaction,where:processor_transaction_id <> ''" json:"processor_transaction_id"`

	PaymentGateway PaymentGateway         `gorm:"type:varchar(50)" json:"payment_gateway"`
	Status         PaymentStatus          `gorm:"type:varchar(20);index" json:"status"`
	PaymentDate    time.Time              `json:"payment_date"`
	Description    string                 `gorm:"type:text" json:"description"`
	FailureReason  string                 `gorm:"type:text" json:"failure_reason,omitempty"`
	Metadata       map[string]interface{} `gorm:"serializer:json" json:"metadata,omitempty"`
}
