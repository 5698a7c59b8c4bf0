package tasks

import (
	"context"
	"time"

	"coaching_settlement/internal/models"
	"coaching_settlement/internal/settlement"
)

const (
	TaskSettleFees      = "settle_fees"
	TaskSettlePayouts   = "settle_payouts"
	TaskSweepStaleLocks = "sweep_stale_locks"
	TaskConfirmPayouts  = "confirm_payouts"
)

// Jobs are the settlement job cycles the worker can run.
type Jobs struct {
	Fees      *settlement.FeeReconciler
	Payouts   *settlement.PayoutOrchestrator
	Sweeper   *settlement.StaleLockSweeper
	Confirmer *settlement.PayoutConfirmer
}

// DefineTasks registers all available tasks
func DefineTasks(r *Registry, jobs Jobs) {
	r.Register(TaskSettleFees, func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		res, err := jobs.Fees.Run(ctx)
		return map[string]interface{}{
			"selected":  res.Selected,
			"recorded":  res.Recorded,
			"duplicate": res.Duplicate,
			"pending":   res.Pending,
			"failed":    res.Failed,
		}, err
	})

	r.Register(TaskSettlePayouts, func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		res, err := jobs.Payouts.Run(ctx)
		return map[string]interface{}{
			"selected":     res.Selected,
			"submitted":    res.Submitted,
			"nothing_owed": res.NothingOwed,
			"skipped":      res.Skipped,
			"rescheduled":  res.Rescheduled,
			"failed":       res.Failed,
		}, err
	})

	r.Register(TaskSweepStaleLocks, func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		res, err := jobs.Sweeper.Run(ctx)
		return map[string]interface{}{"reclaimed": res.Reclaimed}, err
	})

	r.Register(TaskConfirmPayouts, func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		res, err := jobs.Confirmer.Run(ctx)
		return map[string]interface{}{
			"confirmed": res.Confirmed,
			"reversed":  res.Reversed,
			"failed":    res.Failed,
		}, err
	})
}

// Cadences of the settlement jobs as RFC 5545 rules.
var defaultCadence = []struct {
	name string
	rule string
}{
	{TaskSettleFees, "FREQ=HOURLY;INTERVAL=1"},
	{TaskSettlePayouts, "FREQ=MINUTELY;INTERVAL=15"},
	{TaskSweepStaleLocks, "FREQ=MINUTELY;INTERVAL=10"},
	{TaskConfirmPayouts, "FREQ=HOURLY;INTERVAL=1"},
}

// DefaultSchedule returns one recurring task per settlement job, first due at start.
func DefaultSchedule(start time.Time) ([]*models.ScheduledTask, error) {
	out := make([]*models.ScheduledTask, 0, len(defaultCadence))
	for _, c := range defaultCadence {
		task, err := BuildRecurringTask(c.name, c.rule, start)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}
