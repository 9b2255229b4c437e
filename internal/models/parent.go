package models

import (
	"time"

	"gorm.io/gorm"
)

// RecurringFrequency is the cadence of a parent's recurring fee collection
type RecurringFrequency string

const (
	FrequencyWeekly    RecurringFrequency = "weekly"
	FrequencyMonthly   RecurringFrequency = "monthly"
	FrequencyQuarterly RecurringFrequency = "quarterly"
)

// Valid reports whether f is one of the supported cadences
func (f RecurringFrequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

// Advance returns the date one cadence step after from
func (f RecurringFrequency) Advance(from time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// StoredPaymentMethod is a tokenized card reference kept in a parent's vault
type StoredPaymentMethod struct {
	MethodID  string    `json:"method_id"`
	Brand     string    `json:"brand"`
	Last4     string    `json:"last4"`
	ExpMonth  int       `json:"exp_month"`
	ExpYear   int       `json:"exp_year"`
	IsDefault bool      `json:"is_default"`
	AddedAt   time.Time `json:"added_at"`
}

// CardDetail is the card vault embedded in a parent row.
// PaymentMethods keeps insertion order.
type CardDetail struct {
	StripeCustomerID       string                `gorm:"type:varchar(100)" json:"stripe_customer_id"`
	DefaultPaymentMethodID string                `gorm:"type:varchar(100)" json:"default_payment_method_id"`
	PaymentMethods         []StoredPaymentMethod `gorm:"serializer:json" json:"payment_methods"`
}

// RecurringPayment is the recurring fee schedule embedded in a parent row
type RecurringPayment struct {
	Enabled         bool               `gorm:"default:false" json:"enabled"`
	Frequency       RecurringFrequency `gorm:"type:varchar(20);default:'monthly'" json:"frequency"`
	NextPaymentDate *time.Time         `gorm:"index" json:"next_payment_date"`
}

// Parent is the billing owner of students, invoices and payments
type Parent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UserID         uint   `gorm:"index" json:"user_id"`
	FullName       string `gorm:"type:varchar(255)" json:"full_name"`
	Email          string `gorm:"type:varchar(255);index" json:"email"`
	Phone          string `gorm:"type:varchar(50)" json:"phone"`
	Address        string `gorm:"type:text" json:"address"`
	IdentityNumber string `gorm:"type:varchar(100)" json:"identity_number"`
	Branch         string `gorm:"type:varchar(100)" json:"branch"`

	CardDetail       CardDetail       `gorm:"embedded;embeddedPrefix:card_" json:"card_detail"`
	RecurringPayment RecurringPayment `gorm:"embedded;embeddedPrefix:recurring_" json:"recurring_payment"`

	// Relationships
	Students []Student `gorm:"foreignKey:ParentID" json:"students,omitempty"`
	User     User      `gorm:"foreignKey:UserID" json:"-"`
}

// DefaultMethod returns the vault's default method, or nil when the vault is empty
func (p *Parent) DefaultMethod() *StoredPaymentMethod {
	for i := range p.CardDetail.PaymentMethods {
		if p.CardDetail.PaymentMethods[i].IsDefault {
			return &p.CardDetail.PaymentMethods[i]
		}
	}
	return nil
}
