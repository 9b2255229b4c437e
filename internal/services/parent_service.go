package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
)

// StudentInput is a student created together with the parent
type StudentInput struct {
	StudentName string
	Email       string
	Password    string
	FeeAmount   int64
}

// OnboardParentInput creates a parent account, its first student and its first card in one go
type OnboardParentInput struct {
	FullName       string
	Email          string
	Password       string
	Phone          string
	Address        string
	IdentityNumber string
	Branch         string
	MethodID       string
	Student        StudentInput
	Recurring      *RecurringScheduleInput
}

// RecurringScheduleInput configures recurring fee collection
type RecurringScheduleInput struct {
	Enabled         bool
	Frequency       models.RecurringFrequency
	NextPaymentDate *time.Time
}

// ParentService onboards parents and manages their billing settings
type ParentService struct {
	db      *gorm.DB
	gateway PaymentGateway
	mailer  Mailer
	now     func() time.Time
}

func NewParentService(db *gorm.DB, gateway PaymentGateway, mailer Mailer) *ParentService {
	return &ParentService{db: db, gateway: gateway, mailer: mailer, now: time.Now}
}

func (in *OnboardParentInput) validate() error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Student.Email = strings.ToLower(strings.TrimSpace(in.Student.Email))
	switch {
	case strings.TrimSpace(in.FullName) == "":
		return invalidInput("parent name is required")
	case in.Email == "":
		return invalidInput("parent email is required")
	case len(in.Password) < 8:
		return invalidInput("parent password must be at least 8 characters")
	case strings.TrimSpace(in.Student.StudentName) == "":
		return invalidInput("student name is required")
	case in.Student.Email == "":
		return invalidInput("student email is required")
	case in.Student.Email == in.Email:
		return invalidInput("student and parent need different emails")
	case len(in.Student.Password) < 8:
		return invalidInput("student password must be at least 8 characters")
	case in.Student.FeeAmount < 0:
		return invalidInput("student fee must not be negative")
	}
	if in.Recurring != nil && in.Recurring.Frequency != "" && !in.Recurring.Frequency.Valid() {
		return invalidInput("unsupported frequency %q", in.Recurring.Frequency)
	}
	return nil
}

// CreateParent registers the parent with the processor, then writes the parent and student
// records with their logins. If anything fails after the processor customer exists, the
// local rows are rolled back and the customer is deleted.
func (s *ParentService) CreateParent(ctx context.Context, in OnboardParentInput) (*models.Parent, *models.Student, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email IN ?", []string{in.Email, in.Student.Email}).Count(&taken).Error; err != nil {
		return nil, nil, internal("failed to check emails", err)
	}
	if taken > 0 {
		return nil, nil, conflict("email already registered")
	}

	parentHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, internal("failed to hash password", err)
	}
	studentHash, err := bcrypt.GenerateFromPassword([]byte(in.Student.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, internal("failed to hash password", err)
	}

	parent := &models.Parent{
		FullName:       in.FullName,
		Email:          in.Email,
		Phone:          in.Phone,
		Address:        in.Address,
		IdentityNumber: in.IdentityNumber,
		Branch:         in.Branch,
		RecurringPayment: models.RecurringPayment{
			Frequency: models.FrequencyMonthly,
		},
	}
	if in.Recurring != nil {
		applyRecurring(&parent.RecurringPayment, *in.Recurring)
	}

	var customerID string
	if in.MethodID != "" {
		customerID, err = s.gateway.CreateCustomer(ctx, CustomerProfile{
			Name:     in.FullName,
			Email:    in.Email,
			Phone:    in.Phone,
			Address:  in.Address,
			Metadata: map[string]string{"identityNumber": in.IdentityNumber},
		})
		if err != nil {
			return nil, nil, gatewayFailure("failed to create processor customer", err)
		}

		card, err := s.gateway.AttachMethod(ctx, customerID, in.MethodID)
		if err == nil {
			err = s.gateway.SetDefaultMethod(ctx, customerID, in.MethodID)
		}
		if err != nil {
			s.deleteCustomer(ctx, customerID)
			return nil, nil, gatewayFailure("failed to attach payment method", err)
		}

		parent.CardDetail = models.CardDetail{
			StripeCustomerID:       customerID,
			DefaultPaymentMethodID: in.MethodID,
			PaymentMethods: []models.StoredPaymentMethod{{
				MethodID:  in.MethodID,
				Brand:     card.Brand,
				Last4:     card.Last4,
				ExpMonth:  card.ExpMonth,
				ExpYear:   card.ExpYear,
				IsDefault: true,
				AddedAt:   s.now(),
			}},
		}
	}

	student := &models.Student{
		StudentName: in.Student.StudentName,
		Email:       in.Student.Email,
		FeeAmount:   in.Student.FeeAmount,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parentUser := models.User{Name: in.FullName, Email: in.Email, Phone: in.Phone, PasswordHash: string(parentHash), UserType: models.UserTypeParent}
		if err := tx.Create(&parentUser).Error; err != nil {
			return err
		}
		studentUser := models.User{Name: in.Student.StudentName, Email: in.Student.Email, PasswordHash: string(studentHash), UserType: models.UserTypeStudent}
		if err := tx.Create(&studentUser).Error; err != nil {
			return err
		}

		parent.UserID = parentUser.ID
		if err := tx.Create(parent).Error; err != nil {
			return err
		}
		student.ParentID = parent.ID
		student.UserID = studentUser.ID
		return tx.Create(student).Error
	})
	if err != nil {
		if customerID != "" {
			s.deleteCustomer(ctx, customerID)
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, conflict("email already registered")
		}
		return nil, nil, internal("failed to create parent", err)
	}

	log.Infoj(log.JSON{"event": "parent_onboarded", "parent_id": parent.ID, "student_id": student.ID, "has_card": customerID != ""})

	s.sendWelcome(WelcomeEmail{To: in.Email, Name: in.FullName, Role: models.UserTypeParent})
	s.sendWelcome(WelcomeEmail{To: in.Student.Email, Name: in.Student.StudentName, Role: models.UserTypeStudent})

	return parent, student, nil
}

// UpdateRecurringSchedule changes the recurring fee schedule of a parent
func (s *ParentService) UpdateRecurringSchedule(ctx context.Context, parentID uint, in RecurringScheduleInput) (*models.Parent, error) {
	if in.Frequency != "" && !in.Frequency.Valid() {
		return nil, invalidInput("unsupported frequency %q", in.Frequency)
	}
	if in.Enabled && in.NextPaymentDate == nil {
		return nil, invalidInput("next payment date is required to enable recurring payments")
	}

	var parent models.Parent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&parent, parentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("parent %d not found", parentID)
			}
			return internal("failed to load parent", err)
		}
		applyRecurring(&parent.RecurringPayment, in)
		err := tx.Model(&parent).Select("recurring_enabled", "recurring_frequency", "recurring_next_payment_date").Updates(&parent).Error
		if err != nil {
			return internal("failed to update recurring schedule", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &parent, nil
}

func applyRecurring(rp *models.RecurringPayment, in RecurringScheduleInput) {
	rp.Enabled = in.Enabled
	if in.Frequency != "" {
		rp.Frequency = in.Frequency
	}
	if in.NextPaymentDate != nil {
		d := *in.NextPaymentDate
		rp.NextPaymentDate = &d
	}
}

// GetParent loads a parent with its students
func (s *ParentService) GetParent(ctx context.Context, parentID uint) (*models.Parent, error) {
	var parent models.Parent
	err := s.db.WithContext(ctx).Preload("Students").First(&parent, parentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("parent %d not found", parentID)
	}
	if err != nil {
		return nil, internal("failed to load parent", err)
	}
	return &parent, nil
}

// deleteCustomer is the compensating action for a half-finished onboarding
func (s *ParentService) deleteCustomer(ctx context.Context, customerID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := s.gateway.DeleteCustomer(cleanupCtx, customerID); err != nil {
		log.Errorf("Failed to delete processor customer %s after onboarding error: %v", customerID, err)
	}
}

func (s *ParentService) sendWelcome(msg WelcomeEmail) {
	if s.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mailer.SendWelcomeEmail(ctx, msg); err != nil {
			log.Warnf("Failed to send welcome email to %s: %v", msg.To, err)
		}
	}()
}

