package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/services"
)

const taskLockTTL = 30 * time.Minute

// Worker polls the scheduled_tasks table and runs whatever is due
type Worker struct {
	db       *gorm.DB
	registry *Registry
	locker   services.Locker
	clock    func() time.Time
}

func NewWorker(db *gorm.DB, registry *Registry, locker services.Locker, clock func() time.Time) *Worker {
	if locker == nil {
		locker = services.NewLocalLocker()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Worker{db: db, registry: registry, locker: locker, clock: clock}
}

// Run polls once right away and then on every tick of spec until ctx is cancelled
func (w *Worker) Run(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.New("cron"))),
		cron.SkipIfStillRunning(cron.PrintfLogger(log.New("cron"))),
	))
	if _, err := c.AddFunc(spec, func() { w.ProcessDue(ctx) }); err != nil {
		return fmt.Errorf("invalid poll spec %q: %w", spec, err)
	}

	w.ProcessDue(ctx)
	c.Start()
	log.Infof("Worker started, polling %s", spec)

	<-ctx.Done()
	log.Info("Shutting down worker...")
	<-c.Stop().Done()
	return nil
}

// ProcessDue runs every active task whose due time has passed and returns how many ran
func (w *Worker) ProcessDue(ctx context.Context) int {
	var pendingTasks []models.ScheduledTask
	now := w.clock()
	err := w.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).
		Order("due asc").
		Find(&pendingTasks).Error
	if err != nil {
		log.Errorf("Error fetching pending tasks: %v", err)
		return 0
	}

	if len(pendingTasks) == 0 {
		log.Debug("No pending tasks found.")
		return 0
	}

	log.Infof("Found %d pending tasks.", len(pendingTasks))

	ran := 0
	for _, task := range pendingTasks {
		if ctx.Err() != nil {
			break
		}

		release, ok, err := w.locker.Acquire(ctx, task.LockKey(), taskLockTTL)
		if err != nil || !ok {
			log.Warnf("Task %s (ID: %d) is being run elsewhere, skipping", task.TaskName, task.ID)
			continue
		}
		w.executeTask(ctx, task)
		release()
		ran++
	}
	return ran
}

// executeTask runs a task up to MaxAttempt times, records each attempt, then moves the task on
func (w *Worker) executeTask(ctx context.Context, task models.ScheduledTask) {
	log.Infof("Processing task: %s (ID: %d)", task.TaskName, task.ID)

	if task.Arguments == nil {
		task.Arguments = make(map[string]interface{})
	}
	task.Arguments["max_attempt"] = task.MaxAttempt

	handler, found := w.registry.Get(task.TaskName)
	if !found {
		log.Warnf("Task handler not found for: %s. Marking as failure.", task.TaskName)
		now := w.clock()
		w.db.Model(&task).Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusFailure,
			"last_run": &now,
		})
		w.db.Create(&models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          models.TaskRunHandlerNotFound,
			AttemptNumber:   1,
			Arguments:       task.Arguments,
			Result:          map[string]interface{}{"error": "Handler not found"},
		})
		return
	}

	maxAttempt := task.Attempts()

	var startTime time.Time
	succeeded := false
	for attempt := 1; attempt <= maxAttempt && !succeeded; attempt++ {
		startTime = w.clock()
		result, err := w.runHandler(ctx, handler, task)
		runtimeMs := int(time.Since(startTime).Milliseconds())

		status := models.TaskRunSuccess
		resultData := result
		if err != nil {
			status = models.TaskRunFailure
			resultData = map[string]interface{}{"error": err.Error()}
			log.Errorf("Task %s failed on attempt %d/%d: %v", task.TaskName, attempt, maxAttempt, err)
		} else {
			succeeded = true
			log.Infof("Task %s completed successfully.", task.TaskName)
		}

		w.db.Create(&models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           startTime,
			Runtime:         runtimeMs,
			Status:          status,
			AttemptNumber:   attempt,
			Arguments:       task.Arguments,
			Result:          resultData,
		})

		if ctx.Err() != nil {
			break
		}
	}

	status, due := task.AfterRun(succeeded, w.clock())
	w.db.Model(&task).Updates(map[string]interface{}{
		"last_run": &startTime,
		"status":   status,
		"due":      due,
	})
}

func (w *Worker) runHandler(ctx context.Context, handler TaskHandler, task models.ScheduledTask) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, w.db, task)
}
