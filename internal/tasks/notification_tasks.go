package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/money"
)

const TaskSendInvoiceNotification = "send_invoice_notification"

const (
	notificationRetryDelay = 5 * time.Minute
	// attempts are tracked in the task arguments; the worker itself runs each task once
	maxNotificationAttempts = 3
)

// InvoiceNotificationArgs defines the arguments of a notification task
type InvoiceNotificationArgs struct {
	InvoiceID    uint `json:"invoice_id"`
	AttemptCount int  `json:"attempt_count"`
}

// EmailSender delivers invoice emails
type EmailSender interface {
	SendInvoiceEmail(to, parentName string, inv *models.Invoice) error
}

// WhatsappSender delivers WhatsApp messages
type WhatsappSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Notifiers are the delivery channels available to notification tasks
type Notifiers struct {
	Email    EmailSender
	Whatsapp WhatsappSender
}

func invoiceNotificationHandler(n Notifiers) TaskHandler {
	return func(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
		args, err := DecodeArgs[InvoiceNotificationArgs](task)
		if err != nil {
			return nil, err
		}
		if args.InvoiceID == 0 {
			return nil, fmt.Errorf("invoice_id not provided")
		}

		var invoice models.Invoice
		if err := db.WithContext(ctx).Preload("Parent").First(&invoice, args.InvoiceID).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch invoice: %w", err)
		}
		if invoice.Status == models.InvoiceStatusPaid {
			return map[string]interface{}{"status": "skipped", "reason": "invoice already paid"}, nil
		}

		pref := models.ParentNotifPreference{ParentID: invoice.ParentID, Channel: models.NotificationChannelEmail}
		err = db.WithContext(ctx).Where("parent_id = ?", invoice.ParentID).First(&pref).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to fetch preference: %w", err)
		}

		var sendErr error
		switch pref.Channel {
		case models.NotificationChannelEmail:
			if n.Email == nil {
				return nil, fmt.Errorf("email channel not configured")
			}
			sendErr = n.Email.SendInvoiceEmail(invoice.Parent.Email, invoice.Parent.FullName, &invoice)
		case models.NotificationChannelWhatsapp:
			if n.Whatsapp == nil {
				return nil, fmt.Errorf("whatsapp channel not configured")
			}
			sendErr = sendInvoiceWhatsapp(ctx, n.Whatsapp, &invoice, pref)
		default:
			log.Infof("Notification disabled (%s) for parent %d", pref.Channel, invoice.ParentID)
			return map[string]interface{}{"status": "skipped", "channel": string(pref.Channel)}, nil
		}

		result := map[string]interface{}{
			"invoice_number": invoice.InvoiceNumber,
			"channel":        string(pref.Channel),
			"attempt":        args.AttemptCount + 1,
		}
		if sendErr == nil {
			result["status"] = "success"
			return result, nil
		}

		log.Warnf("Failed to notify parent %d about %s via %s: %v", invoice.ParentID, invoice.InvoiceNumber, pref.Channel, sendErr)
		if args.AttemptCount+1 >= maxNotificationAttempts {
			return result, fmt.Errorf("max attempts reached: %w", sendErr)
		}

		// retry as a fresh one-time task so the history keeps every attempt
		retry := args
		retry.AttemptCount++
		next, err := BuildScheduledTask(TaskSendInvoiceNotification, retry, time.Now().Add(notificationRetryDelay), nil, models.ScheduledTaskTypeOneTime, 1)
		if err != nil {
			return result, err
		}
		if err := db.WithContext(ctx).Create(next).Error; err != nil {
			return result, fmt.Errorf("failed to create retry task: %w", err)
		}
		result["status"] = "rescheduled"
		result["error"] = sendErr.Error()
		return result, nil
	}
}

func sendInvoiceWhatsapp(ctx context.Context, sender WhatsappSender, inv *models.Invoice, pref models.ParentNotifPreference) error {
	var chatID string
	if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup {
		chatID = pref.WhatsappGroupID
		if chatID == "" {
			return fmt.Errorf("group ID is empty")
		}
		if !strings.HasSuffix(chatID, "@g.us") {
			chatID = chatID + "@g.us"
		}
	} else {
		chatID = inv.Parent.Phone
		if chatID == "" {
			return fmt.Errorf("parent has no phone number")
		}
	}

	msg := fmt.Sprintf("Hello %s, invoice %s for %s is due on %s.",
		inv.Parent.FullName, inv.InvoiceNumber, money.Format(inv.Outstanding(), inv.Currency), inv.DueDate.Format("02 Jan 2006"))
	return sender.SendMessage(ctx, chatID, msg)
}

// TaskNotifier queues invoice notifications for the worker
type TaskNotifier struct {
	db *gorm.DB
}

func NewTaskNotifier(db *gorm.DB) *TaskNotifier {
	return &TaskNotifier{db: db}
}

// NotifyInvoiceIssued enqueues a notification for a newly issued invoice
func (n *TaskNotifier) NotifyInvoiceIssued(ctx context.Context, inv *models.Invoice) error {
	task, err := BuildScheduledTask(TaskSendInvoiceNotification, InvoiceNotificationArgs{InvoiceID: inv.ID}, time.Now(), nil, models.ScheduledTaskTypeOneTime, 1)
	if err != nil {
		return err
	}
	if err := n.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}
