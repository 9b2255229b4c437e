package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"school_billing_echo/internal/config"
	"school_billing_echo/internal/models"
	"school_billing_echo/internal/services"
	"school_billing_echo/internal/tasks"
)

func scheduleCmd() *cobra.Command {
	var (
		argsStr    string
		dueStr     string
		taskType   string
		recurring  string
		maxAttempt int
	)

	cmd := &cobra.Command{
		Use:   "schedule <task_name>",
		Short: "Queue a task for the worker",
		Long: `Queue a scheduled task. Known tasks:
  sweep_pending_invoices, sweep_recurring_payments,
  mark_overdue_invoices, send_invoice_notification`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskArgs map[string]interface{}
			if argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &taskArgs); err != nil {
					return fmt.Errorf("invalid JSON arguments: %w", err)
				}
			}

			due := time.Now()
			if dueStr != "" {
				var err error
				due, err = time.Parse(time.RFC3339, dueStr)
				if err != nil {
					due, err = time.ParseInLocation("2006-01-02 15:04", dueStr, time.Local)
					if err != nil {
						return fmt.Errorf("invalid due date, use '2006-01-02 15:04' (local) or RFC 3339: %w", err)
					}
				}
			}

			var recurringPtr *string
			if recurring != "" {
				recurringPtr = &recurring
			}

			task, err := tasks.BuildScheduledTask(args[0], taskArgs, due, recurringPtr, models.ScheduledTaskType(taskType), maxAttempt)
			if err != nil {
				return err
			}

			cfg := config.LoadConfig()
			db, err := services.InitDB(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect DB: %w", err)
			}
			if err := db.WithContext(cmd.Context()).Create(task).Error; err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}

			fmt.Printf("Created task ID %d\nTask: %s\nDue:  %s\nType: %s\n", task.ID, task.TaskName, task.Due.Format(time.RFC3339), task.TaskType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&argsStr, "arguments", "a", "", "JSON arguments for the task")
	cmd.Flags().StringVarP(&dueStr, "due", "d", "", "Due date (default now)")
	cmd.Flags().StringVarP(&taskType, "type", "t", string(models.ScheduledTaskTypeOneTime), "Task type: onetime or recurring")
	cmd.Flags().StringVarP(&recurring, "recurring", "r", "", "RRULE for recurring tasks, e.g. "+tasks.DailyAtMidnight)
	cmd.Flags().IntVar(&maxAttempt, "max-attempt", 3, "Max attempts")

	return cmd
}
