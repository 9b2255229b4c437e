package models

import (
	"time"

	"gorm.io/gorm"
)

// UserType represents the type of user
type UserType string

const (
	UserTypeAdmin   UserType = "Admin"
	UserTypeParent  UserType = "Parent"
	UserTypeStudent UserType = "Student"
)

// User is a login account. Parents and students each get one at onboarding.
type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name         string   `gorm:"type:varchar(255)" json:"name"`
	Phone        string   `gorm:"type:varchar(50)" json:"phone"`
	Email        string   `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	PasswordHash string   `gorm:"type:varchar(255)" json:"-"`
	UserType     UserType `gorm:"type:varchar(20);default:'Parent'" json:"user_type"`
	FirebaseUID  string   `gorm:"type:varchar(128);index" json:"firebase_uid,omitempty"`
}
