package models

import (
	"time"

	"gorm.io/gorm"
)

// Student is enrolled under a parent and carries the recurring fee charged to that parent
type Student struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ParentID    uint   `gorm:"index" json:"parent_id"`
	UserID      uint   `gorm:"index" json:"user_id"`
	StudentName string `gorm:"type:varchar(255)" json:"student_name"`
	Email       string `gorm:"type:varchar(255)" json:"email"`

	// FeeAmount is the recurring fee in minor units. Zero means nothing is collected.
	FeeAmount int64 `gorm:"default:0" json:"fee_amount"`

	// Relationships
	Parent Parent `gorm:"foreignKey:ParentID" json:"-"`
}
