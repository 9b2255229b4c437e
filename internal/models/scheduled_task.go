package models

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"gorm.io/gorm"
)

type ScheduledTaskStatus string

const (
	ScheduledTaskStatusActive   ScheduledTaskStatus = "active"
	ScheduledTaskStatusDone     ScheduledTaskStatus = "done"
	ScheduledTaskStatusFailure  ScheduledTaskStatus = "failure"
	ScheduledTaskStatusDisabled ScheduledTaskStatus = "disabled"
)

type ScheduledTaskType string

const (
	ScheduledTaskTypeOneTime   ScheduledTaskType = "onetime"
	ScheduledTaskTypeRecurring ScheduledTaskType = "recurring"
)

// Outcomes of a single attempt, stored on ScheduledTaskHistory.Status
const (
	TaskRunSuccess         = "success"
	TaskRunFailure         = "failure"
	TaskRunHandlerNotFound = "handler_not_found"
)

// ScheduledTask is a queued unit of background work: billing sweeps, overdue marking
// and invoice notifications all run through it.
type ScheduledTask struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TaskName  string                 `gorm:"type:varchar(255);index" json:"task_name"`
	Arguments map[string]interface{} `gorm:"serializer:json" json:"arguments"`
	LastRun   *time.Time             `json:"last_run"`
	// active tasks are polled by (status, due)
	Due               time.Time           `gorm:"index:idx_scheduled_tasks_status_due,priority:2,where:deleted_at IS NULL" json:"due"`
	RecurringInterval *string             `gorm:"type:text" json:"recurring_interval"`
	Status            ScheduledTaskStatus `gorm:"type:varchar(20);index:idx_scheduled_tasks_status_due,priority:1,where:deleted_at IS NULL" json:"status"`
	TaskType          ScheduledTaskType   `gorm:"type:varchar(20);default:'onetime'" json:"task_type"`
	MaxAttempt        int                 `json:"max_attempt"`
}

// LockKey names the distributed lock held while the task runs
func (t ScheduledTask) LockKey() string {
	return fmt.Sprintf("task:%d", t.ID)
}

// Attempts is MaxAttempt with a floor of one
func (t ScheduledTask) Attempts() int {
	if t.MaxAttempt <= 0 {
		return 1
	}
	return t.MaxAttempt
}

func (t ScheduledTask) rule() (*rrule.RRule, bool) {
	if t.RecurringInterval == nil || *t.RecurringInterval == "" {
		return nil, false
	}
	rule, err := rrule.StrToRRule(*t.RecurringInterval)
	if err != nil {
		return nil, false
	}
	rule.DTStart(t.Due)
	return rule, true
}

// NextDue returns the first occurrence of the recurring rule after now.
// One-time tasks and unparsable rules return the current Due.
func (t ScheduledTask) NextDue(now time.Time) time.Time {
	if t.TaskType == ScheduledTaskTypeOneTime {
		return t.Due
	}
	rule, ok := t.rule()
	if !ok {
		return t.Due
	}
	if next := rule.After(now, false); !next.IsZero() {
		return next
	}
	return t.Due
}

// AfterRun returns the status and due time a task moves to once its attempts are over.
// Recurring tasks move on to their next occurrence whether or not the run succeeded,
// so a broken nightly sweep does not hot-loop; they finish when the rule is exhausted.
func (t ScheduledTask) AfterRun(succeeded bool, now time.Time) (ScheduledTaskStatus, time.Time) {
	if t.TaskType == ScheduledTaskTypeRecurring {
		if next := t.NextDue(now); next.After(t.Due) {
			return ScheduledTaskStatusActive, next
		}
		return ScheduledTaskStatusDone, t.Due
	}
	if succeeded {
		return ScheduledTaskStatusDone, t.Due
	}
	return ScheduledTaskStatusFailure, t.Due
}

// ScheduledTaskHistory is one attempt of a scheduled task
type ScheduledTaskHistory struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	ScheduledTaskID uint           `gorm:"index" json:"scheduled_task_id"`

	TaskName      string                 `gorm:"type:varchar(255)" json:"task_name"`
	RunAt         time.Time              `json:"run_at"`
	Runtime       int                    `json:"runtime"` // milliseconds
	Status        string                 `gorm:"type:varchar(50)" json:"status"`
	AttemptNumber int                    `json:"attempt_number"`
	Arguments     map[string]interface{} `gorm:"serializer:json" json:"arguments"`
	// sweep summaries land here, e.g. {"sweep": "pending_invoices", "succeeded": 3}
	Result map[string]interface{} `gorm:"serializer:json" json:"result"`
}
