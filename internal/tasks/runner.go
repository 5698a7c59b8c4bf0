package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_settlement/internal/models"
)

var taskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settlement_task_runs_total",
	Help: "Scheduled task executions by task and status",
}, []string{"task", "status"})

const (
	runStatusSuccess         = "success"
	runStatusFailure         = "failure"
	runStatusHandlerNotFound = "handler_not_found"
)

// Runner executes due ScheduledTask rows. Several runners may poll the same
// table; an occurrence is run by whichever claims it first.
type Runner struct {
	db       *gorm.DB
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewRunner(db *gorm.DB, registry *Registry, logger *zap.Logger) *Runner {
	return &Runner{db: db, registry: registry, logger: logger, now: time.Now}
}

// RunDue executes every active task whose due time has passed and returns how
// many this runner executed.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	var pending []models.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, r.now().UTC()).
		Order("due").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due tasks: %w", err)
	}

	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}

		claimed, err := r.claim(ctx, &task)
		if err != nil {
			r.logger.Error("Failed to claim task", zap.Uint("task_id", task.ID), zap.Error(err))
			continue
		}
		if !claimed {
			r.logger.Debug("Task claimed elsewhere", zap.Uint("task_id", task.ID), zap.String("task", task.TaskName))
			continue
		}

		r.execute(ctx, task)
		ran++
	}
	return ran, nil
}

// claim moves one occurrence from active to running. The due time is part of
// the condition so a runner holding a stale copy cannot re-run an occurrence
// that was already advanced.
func (r *Runner) claim(ctx context.Context, task *models.ScheduledTask) (bool, error) {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ? AND due = ?", task.ID, models.ScheduledTaskStatusActive, task.Due).
		Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusRunning,
			"attempts": gorm.Expr("attempts + 1"),
			"last_run": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	task.Attempts++
	task.LastRun = &now
	return true, nil
}

func (r *Runner) execute(ctx context.Context, task models.ScheduledTask) {
	log := r.logger.With(zap.Uint("task_id", task.ID), zap.String("task", task.TaskName))

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		log.Error("Task handler not found, marking as failure")
		now := r.now().UTC()
		r.writeHistory(ctx, task, now, 0, runStatusHandlerNotFound, map[string]interface{}{"error": "handler not found"})
		r.finish(ctx, task.ID, map[string]interface{}{"status": models.ScheduledTaskStatusFailure})
		return
	}

	args := task.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	start := r.now().UTC()
	result, err := handler(ctx, args)
	runtime := int(r.now().Sub(start).Milliseconds())

	status := runStatusSuccess
	if err != nil {
		status = runStatusFailure
		if result == nil {
			result = map[string]interface{}{}
		}
		result["error"] = err.Error()
		log.Error("Task failed", zap.Int("attempt", task.Attempts), zap.Error(err))
	} else {
		log.Info("Task completed", zap.Int("runtime_ms", runtime))
	}
	r.writeHistory(ctx, task, start, runtime, status, result)

	r.finish(ctx, task.ID, r.nextState(task, err == nil))
}

// nextState decides what happens to a task after an execution.
func (r *Runner) nextState(task models.ScheduledTask, succeeded bool) map[string]interface{} {
	exhausted := task.MaxAttempt > 0 && task.Attempts >= task.MaxAttempt

	if !succeeded && !exhausted {
		// same occurrence is retried on the next poll
		return map[string]interface{}{"status": models.ScheduledTaskStatusActive}
	}

	if task.TaskType == models.ScheduledTaskTypeRecurring {
		next := task.NextDue(r.now())
		// a recurring task must only be reactivated for a future occurrence
		if next.After(task.Due) {
			return map[string]interface{}{
				"status":   models.ScheduledTaskStatusActive,
				"due":      next,
				"attempts": 0,
			}
		}
		return map[string]interface{}{"status": models.ScheduledTaskStatusDone}
	}

	if succeeded {
		return map[string]interface{}{"status": models.ScheduledTaskStatusDone}
	}
	return map[string]interface{}{"status": models.ScheduledTaskStatusFailure}
}

func (r *Runner) finish(ctx context.Context, id uint, updates map[string]interface{}) {
	// the claim is ours, so the update is unconditional on the due time
	err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, models.ScheduledTaskStatusRunning).
		Updates(updates).Error
	if err != nil {
		r.logger.Error("Failed to update task after run", zap.Uint("task_id", id), zap.Error(err))
	}
}

func (r *Runner) writeHistory(ctx context.Context, task models.ScheduledTask, runAt time.Time, runtime int, status string, result map[string]interface{}) {
	taskRunsTotal.WithLabelValues(task.TaskName, status).Inc()

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           runAt,
		Runtime:         runtime,
		Status:          status,
		AttemptNumber:   task.Attempts,
		Arguments:       task.Arguments,
		Result:          result,
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&history).Error; err != nil {
		r.logger.Error("Failed to write task history", zap.Uint("task_id", task.ID), zap.Error(err))
	}
}

// EnsureSchedule creates each task unless a task with the same name already
// exists. It returns the names of the tasks created.
func EnsureSchedule(ctx context.Context, db *gorm.DB, tasks []*models.ScheduledTask) ([]string, error) {
	var created []string
	for _, task := range tasks {
		var existing models.ScheduledTask
		err := db.WithContext(ctx).Where("task_name = ?", task.TaskName).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return created, fmt.Errorf("failed to look up task %s: %w", task.TaskName, err)
		}
		if err := db.WithContext(ctx).Create(task).Error; err != nil {
			return created, fmt.Errorf("failed to create task %s: %w", task.TaskName, err)
		}
		created = append(created, task.TaskName)
	}
	return created, nil
}
