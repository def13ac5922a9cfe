// Package recovery reconciles engine state after a restart.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/tick"
)

// Report summarizes a recovery run.
type Report struct {
	LeasesReleased int `json:"leases_released"`
	Tasks          int `json:"tasks"`
	Completed      int `json:"completed"`
	HoursRaised    int `json:"hours_raised"`
	Failed         int `json:"failed"`
}

// Service runs recovery. Attempts may be nil, in which case progress is
// trusted as stored.
type Service struct {
	stores  tick.Stores
	planner tick.Planner
	clock   pacer.Clock
	logger  *zap.Logger
}

// New builds a Service.
func New(stores tick.Stores, planner tick.Planner, clock pacer.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{stores: stores, planner: planner, clock: clock, logger: logger.Named("recovery")}
}

// Recover releases this instance's and expired leases, rolls every running
// task over to today without regenerating existing plans and lifts today's
// progress to what the attempt log proves was delivered.
func (s *Service) Recover(ctx context.Context, snap *config.Snapshot) (Report, error) {
	var report Report
	now := s.clock.Now()
	released, err := s.stores.Leases.ReleaseStale(ctx, snap.Engine.InstanceName, now)
	if err != nil {
		return report, fmt.Errorf("release stale leases: %w", err)
	}
	report.LeasesReleased = released

	tasks, err := s.stores.Tasks.ListTasks(ctx, pacer.TaskRunning)
	if err != nil {
		return report, fmt.Errorf("list running tasks: %w", err)
	}
	report.Tasks = len(tasks)
	today := pacer.DateOf(now, snap.Location)
	for _, task := range tasks {
		raised, completed, err := s.recoverTask(ctx, snap, task, today)
		if err != nil {
			report.Failed++
			s.logger.Error("task recovery failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		report.HoursRaised += raised
		if completed {
			report.Completed++
		}
	}
	s.logger.Info("recovery finished",
		zap.Int("leases_released", report.LeasesReleased),
		zap.Int("tasks", report.Tasks),
		zap.Int("hours_raised", report.HoursRaised),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) recoverTask(ctx context.Context, snap *config.Snapshot, task pacer.Task, today string) (int, bool, error) {
	res, err := s.planner.Rollover(ctx, snap, task, today)
	if err != nil {
		return 0, false, fmt.Errorf("rollover: %w", err)
	}
	if res.Completed || s.stores.Attempts == nil {
		return 0, res.Completed, nil
	}
	successes, err := s.stores.Attempts.CountSuccesses(ctx, task.ID, today)
	if err != nil {
		return 0, false, fmt.Errorf("count successes: %w", err)
	}
	raised := 0
	for hour, n := range successes {
		if n <= res.Plan.HourlyProgress[hour] || res.Plan.HourlyQuota[hour] == 0 {
			continue
		}
		got, err := s.stores.Plans.RaiseProgress(ctx, task.ID, today, hour, n, s.clock.Now())
		if err != nil {
			return raised, false, fmt.Errorf("raise progress hour %d: %w", hour, err)
		}
		s.logger.Info("progress reconciled from attempt log",
			zap.String("task_id", task.ID),
			zap.Int("hour", hour),
			zap.Int("from", res.Plan.HourlyProgress[hour]),
			zap.Int("to", got),
		)
		raised++
	}
	return raised, false, nil
}
