package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// PaymentSession remembers an intent handed back to the payer for extra authentication.
// It stays active until the processor reports a final status for it.
type PaymentSession struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	InvoiceID        uint            `gorm:"index" json:"invoice_id"`
	ParentID         uint            `gorm:"index" json:"parent_id"`
	PaymentGateway   PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	TransactionID    string          `gorm:"type:varchar(100);index" json:"transaction_id"`
	MethodID         string          `gorm:"type:varchar(100)" json:"method_id"`
	AmountMinor      int64           `json:"amount_minor"`
	Currency         string          `gorm:"type:varchar(10)" json:"currency"`
	IsActive         bool            `gorm:"default:true" json:"is_active"`
	RequestMetadata  json.RawMessage `gorm:"type:jsonb" json:"request_metadata"`
	ResponseMetadata json.RawMessage `gorm:"type:jsonb" json:"response_metadata"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        gorm.DeletedAt  `gorm:"index" json:"deleted_at,omitempty"`
}
