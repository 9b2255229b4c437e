package models

import (
	"time"

	"gorm.io/gorm"
)

// InvoiceStatus is the lifecycle state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// PayableStatuses are the only states an invoice may be paid from
var PayableStatuses = []InvoiceStatus{InvoiceStatusPending, InvoiceStatusOverdue}

// InvoiceItem is one billed line
type InvoiceItem struct {
	Description string `json:"description"`
	UnitAmount  int64  `json:"unit_amount"`
	Quantity    int    `json:"quantity"`
}

// LineTotal returns UnitAmount * Quantity, treating a zero quantity as one
func (i InvoiceItem) LineTotal() int64 {
	q := i.Quantity
	if q <= 0 {
		q = 1
	}
	return i.UnitAmount * int64(q)
}

// Invoice is a bill issued to a parent, optionally for one student.
// Amounts are in minor units.
type Invoice struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ParentID         uint          `gorm:"index" json:"parent_id"`
	StudentID        *uint         `gorm:"index" json:"student_id"`
	InvoiceNumber    string        `gorm:"type:varchar(50);uniqueIndex" json:"invoice_number"`
	Items            []InvoiceItem `gorm:"serializer:json" json:"items"`
	TotalAmount      int64         `json:"total_amount"`
	PaidAmount       int64         `gorm:"default:0" json:"paid_amount"`
	Currency         string        `gorm:"type:varchar(10);default:'usd'" json:"currency"`
	Status           InvoiceStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	DueDate          time.Time     `json:"due_date"`
	PaidAt           *time.Time    `json:"paid_at"`
	PaymentReference string        `gorm:"type:varchar(100)" json:"payment_reference"`
	PaymentMethodID  string        `gorm:"type:varchar(100)" json:"payment_method_id"`
	Notes            string        `gorm:"type:text" json:"notes"`

	// Relationships
	Parent       Parent               `gorm:"foreignKey:ParentID" json:"-"`
	Applications []InvoiceApplication `gorm:"foreignKey:InvoiceID" json:"applications,omitempty"`
}

// Outstanding returns the amount still owed
func (i *Invoice) Outstanding() int64 {
	return i.TotalAmount - i.PaidAmount
}

// IsPayable reports whether the invoice can still accept a payment
func (i *Invoice) IsPayable() bool {
	return i.Status == InvoiceStatusPending || i.Status == InvoiceStatusOverdue
}

// InvoiceApplication records one payment applied to an invoice.
// TransactionReference is unique so the same processor transaction cannot be applied twice.
type InvoiceApplication struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	InvoiceID            uint      `gorm:"index" json:"invoice_id"`
	TransactionReference string    `gorm:"type:varchar(100);uniqueIndex" json:"transaction_reference"`
	Amount               int64     `json:"amount"`
	AppliedAt            time.Time `json:"applied_at"`
}
