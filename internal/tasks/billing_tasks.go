package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/services"
)

const (
	TaskSweepPendingInvoices   = "sweep_pending_invoices"
	TaskSweepRecurringPayments = "sweep_recurring_payments"
	TaskMarkOverdueInvoices    = "mark_overdue_invoices"
)

// DailyAtMidnight is the recurrence of the collection sweeps
const DailyAtMidnight = "FREQ=DAILY;BYHOUR=0;BYMINUTE=0;BYSECOND=0"

// dailyAt1AM runs overdue marking after the midnight sweeps so that invoices
// falling due today still get their pending-invoice charge first
const dailyAt1AM = "FREQ=DAILY;BYHOUR=1;BYMINUTE=0;BYSECOND=0"

// Sweeper is the part of the billing scheduler the tasks drive
type Sweeper interface {
	SweepPendingInvoices(ctx context.Context) services.SweepSummary
	SweepRecurringSchedules(ctx context.Context) services.SweepSummary
	MarkOverdue(ctx context.Context) (int64, error)
}

func sweepPendingHandler(s Sweeper) TaskHandler {
	return func(ctx context.Context, _ *gorm.DB, _ models.ScheduledTask) (map[string]interface{}, error) {
		return s.SweepPendingInvoices(ctx).Map(), nil
	}
}

func sweepRecurringHandler(s Sweeper) TaskHandler {
	return func(ctx context.Context, _ *gorm.DB, _ models.ScheduledTask) (map[string]interface{}, error) {
		return s.SweepRecurringSchedules(ctx).Map(), nil
	}
}

func markOverdueHandler(s Sweeper) TaskHandler {
	return func(ctx context.Context, _ *gorm.DB, _ models.ScheduledTask) (map[string]interface{}, error) {
		n, err := s.MarkOverdue(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "success", "marked_overdue": n}, nil
	}
}

type recurringDef struct {
	name string
	rule string
}

var billingSchedule = []recurringDef{
	{name: TaskSweepPendingInvoices, rule: DailyAtMidnight},
	{name: TaskSweepRecurringPayments, rule: DailyAtMidnight},
	{name: TaskMarkOverdueInvoices, rule: dailyAt1AM},
}

// EnsureBillingTasks seeds the daily billing tasks. Existing active tasks are left alone,
// so the call is safe on every worker start.
func EnsureBillingTasks(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	created := 0
	for _, def := range billingSchedule {
		var count int64
		err := db.WithContext(ctx).Model(&models.ScheduledTask{}).
			Where("task_name = ? AND status = ?", def.name, models.ScheduledTaskStatusActive).
			Count(&count).Error
		if err != nil {
			return created, fmt.Errorf("failed to look up task %s: %w", def.name, err)
		}
		if count > 0 {
			continue
		}

		rule := def.rule
		seed := &models.ScheduledTask{TaskType: models.ScheduledTaskTypeRecurring, RecurringInterval: &rule, Due: now}
		task, err := BuildScheduledTask(def.name, nil, seed.NextDue(now), &rule, models.ScheduledTaskTypeRecurring, 1)
		if err != nil {
			return created, err
		}
		if err := db.WithContext(ctx).Create(task).Error; err != nil {
			return created, fmt.Errorf("failed to create task %s: %w", def.name, err)
		}
		log.Infof("Seeded recurring task %s, first run at %s", def.name, task.Due.Format(time.RFC3339))
		created++
	}
	return created, nil
}
