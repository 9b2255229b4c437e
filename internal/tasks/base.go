package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"school_billing_echo/internal/models"
)

const defaultMaxAttempt = 3

// BuildScheduledTask builds a ScheduledTask from any JSON-serializable args value
func BuildScheduledTask(taskName string, args interface{}, due time.Time, recurringInterval *string, taskType models.ScheduledTaskType, maxAttempt int) (*models.ScheduledTask, error) {
	mapArgs := map[string]interface{}{}
	if args != nil {
		argsBytes, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		if err := json.Unmarshal(argsBytes, &mapArgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal into map: %w", err)
		}
	}
	if maxAttempt <= 0 {
		maxAttempt = defaultMaxAttempt
	}

	return &models.ScheduledTask{
		TaskName:          taskName,
		Arguments:         mapArgs,
		Due:               due,
		RecurringInterval: recurringInterval,
		Status:            models.ScheduledTaskStatusActive,
		TaskType:          taskType,
		MaxAttempt:        maxAttempt,
	}, nil
}

// DecodeArgs converts stored task arguments back into a typed struct
func DecodeArgs[T any](task models.ScheduledTask) (T, error) {
	var out T
	argsBytes, err := json.Marshal(task.Arguments)
	if err != nil {
		return out, fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(argsBytes, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return out, nil
}
