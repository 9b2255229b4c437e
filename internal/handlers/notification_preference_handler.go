package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
)

// NotificationPreferenceHandler manages how parents hear about new invoices
type NotificationPreferenceHandler struct {
	db *gorm.DB
}

func NewNotificationPreferenceHandler(db *gorm.DB) *NotificationPreferenceHandler {
	return &NotificationPreferenceHandler{db: db}
}

type preferenceRequest struct {
	ParentID           uint                       `json:"parentId"`
	Channel            models.NotificationChannel `json:"channel"`
	WhatsappTargetType string                     `json:"whatsappTargetType"`
	WhatsappGroupID    string                     `json:"whatsappGroupId"`
}

func (h *NotificationPreferenceHandler) load(c echo.Context, parentID uint) (models.ParentNotifPreference, error) {
	var parent models.Parent
	if err := h.db.WithContext(c.Request().Context()).Select("id").First(&parent, parentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ParentNotifPreference{}, echo.NewHTTPError(http.StatusNotFound, "parent not found")
		}
		return models.ParentNotifPreference{}, err
	}

	var pref models.ParentNotifPreference
	err := h.db.WithContext(c.Request().Context()).Where("parent_id = ?", parentID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ParentNotifPreference{
			ParentID:           parentID,
			Channel:            models.NotificationChannelEmail,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}, nil
	}
	return pref, err
}

// GetPreference returns the parent's preference, email when none was saved
func (h *NotificationPreferenceHandler) GetPreference(c echo.Context) error {
	var req preferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pref, err := h.load(c, req.ParentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(pref))
}

// UpdatePreference upserts the parent's preference
func (h *NotificationPreferenceHandler) UpdatePreference(c echo.Context) error {
	var req preferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	switch req.Channel {
	case models.NotificationChannelEmail, models.NotificationChannelNone:
	case models.NotificationChannelWhatsapp:
		if req.WhatsappTargetType == "" {
			req.WhatsappTargetType = models.WhatsappTargetTypePersonal
		}
		if req.WhatsappTargetType != models.WhatsappTargetTypePersonal && req.WhatsappTargetType != models.WhatsappTargetTypeGroup {
			return echo.NewHTTPError(http.StatusBadRequest, "whatsappTargetType must be personal or group")
		}
		if req.WhatsappTargetType == models.WhatsappTargetTypeGroup && req.WhatsappGroupID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "whatsappGroupId is required for group delivery")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "channel must be email, whatsapp or none")
	}

	pref, err := h.load(c, req.ParentID)
	if err != nil {
		return err
	}
	pref.Channel = req.Channel
	pref.WhatsappTargetType = req.WhatsappTargetType
	pref.WhatsappGroupID = req.WhatsappGroupID

	if err := h.db.WithContext(c.Request().Context()).Save(&pref).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(pref))
}
