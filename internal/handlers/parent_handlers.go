package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/money"
	"school_billing_echo/internal/services"
)

type ParentHandler struct {
	parents *services.ParentService
}

func NewParentHandler(parents *services.ParentService) *ParentHandler {
	return &ParentHandler{parents: parents}
}

type createParentRequest struct {
	FullName        string `json:"fullName"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	Phone           string `json:"phone"`
	Address         string `json:"address"`
	IdentityNumber  string `json:"identityNumber"`
	Branch          string `json:"branch"`
	PaymentMethodID string `json:"paymentMethodId"`
	Student         struct {
		StudentName string       `json:"studentName"`
		Email       string       `json:"email"`
		Password    string       `json:"password"`
		FeeAmount   money.Amount `json:"feeAmount"`
	} `json:"student"`
	RecurringPayment *recurringInput `json:"recurringPayment"`
}

type recurringInput struct {
	Enabled         bool                      `json:"enabled"`
	Frequency       models.RecurringFrequency `json:"frequency"`
	NextPaymentDate string                    `json:"nextPaymentDate"`
}

func (in recurringInput) toService() (services.RecurringScheduleInput, error) {
	next, err := parseDate(in.NextPaymentDate)
	if err != nil {
		return services.RecurringScheduleInput{}, err
	}
	return services.RecurringScheduleInput{
		Enabled:         in.Enabled,
		Frequency:       in.Frequency,
		NextPaymentDate: next,
	}, nil
}

// CreateParent onboards a parent with one student and, optionally, a first card
func (h *ParentHandler) CreateParent(c echo.Context) error {
	var req createParentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	in := services.OnboardParentInput{
		FullName:       req.FullName,
		Email:          req.Email,
		Password:       req.Password,
		Phone:          req.Phone,
		Address:        req.Address,
		IdentityNumber: req.IdentityNumber,
		Branch:         req.Branch,
		MethodID:       req.PaymentMethodID,
		Student: services.StudentInput{
			StudentName: req.Student.StudentName,
			Email:       req.Student.Email,
			Password:    req.Student.Password,
			FeeAmount:   req.Student.FeeAmount.Minor(),
		},
	}
	if req.RecurringPayment != nil {
		rec, err := req.RecurringPayment.toService()
		if err != nil {
			return err
		}
		in.Recurring = &rec
	}

	parent, student, err := h.parents.CreateParent(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ok(map[string]interface{}{
		"parent": toParentResponse(parent),
		"student": StudentResponse{
			ID:          student.ID,
			StudentName: student.StudentName,
			Email:       student.Email,
			FeeAmount:   money.Amount(student.FeeAmount),
		},
	}))
}

type updateRecurringRequest struct {
	ParentID uint `json:"parentId"`
	recurringInput
}

func (h *ParentHandler) UpdateRecurringPayment(c echo.Context) error {
	var req updateRecurringRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := req.recurringInput.toService()
	if err != nil {
		return err
	}

	parent, err := h.parents.UpdateRecurringSchedule(c.Request().Context(), req.ParentID, rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(toParentResponse(parent)))
}
