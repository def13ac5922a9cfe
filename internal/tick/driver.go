// Package tick advances every schedulable task's plan by one step.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/dispatcher"
	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/plan"
)

// AlertPersistence is the alert kind raised when a commit exhausts its retries.
const AlertPersistence = "persistence_failure"

// Dispatcher is the concurrency gate the driver feeds.
type Dispatcher interface {
	Configure(snap *config.Snapshot)
	Dispatch(ctx context.Context, snap *config.Snapshot, items []pacer.WorkItem, onDone func(pacer.Attempt)) dispatcher.Result
}

// Planner rolls a task over to a new day.
type Planner interface {
	Rollover(ctx context.Context, snap *config.Snapshot, task pacer.Task, today string) (plan.RolloverResult, error)
}

// Stores groups the persistence the driver needs. Attempts may be nil.
type Stores struct {
	Tasks    pacer.TaskStore
	Plans    pacer.PlanStore
	Attempts pacer.AttemptLog
	Leases   pacer.Leaser
}

// Report summarizes one tick.
type Report struct {
	ConfigVersion  int64 `json:"config_version"`
	ConfigFallback bool  `json:"config_fallback"`
	Tasks          int   `json:"tasks"`
	Skipped        int   `json:"skipped"`
	Completed      int   `json:"completed"`
	Dispatched     int   `json:"dispatched"`
	Deferred       int   `json:"deferred"`
	Failed         int   `json:"failed"`
}

// Driver runs ticks. Dispatched work outlives the tick; each task's lease is
// held until its last item has been committed.
type Driver struct {
	base       context.Context
	config     config.Provider
	stores     Stores
	planner    Planner
	dispatcher Dispatcher
	clock      pacer.Clock
	alerter    pacer.Alerter
	retry      pacer.RetryPolicy
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// Options tunes a Driver.
type Options struct {
	Alerter pacer.Alerter
	Retry   pacer.RetryPolicy
}

// New builds a Driver. Commits and lease releases run under base.
func New(
	base context.Context,
	provider config.Provider,
	stores Stores,
	planner Planner,
	gate Dispatcher,
	clock pacer.Clock,
	logger *zap.Logger,
	opts Options,
) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = pacer.DefaultRetryPolicy()
	}
	return &Driver{
		base:       base,
		config:     provider,
		stores:     stores,
		planner:    planner,
		dispatcher: gate,
		clock:      clock,
		alerter:    opts.Alerter,
		retry:      retry,
		logger:     logger.Named("tick"),
	}
}

// Tick reads a fresh configuration snapshot and dispatches the current hour's
// remaining work for every pending or running task. It returns once work is
// dispatched, not when it completes.
func (d *Driver) Tick(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { metrics.ObserveTick(time.Since(started)) }()

	var report Report
	snap, err := d.config.Snapshot()
	if err != nil {
		if snap == nil || !errors.Is(err, pacer.ErrConfiguration) {
			return report, fmt.Errorf("tick aborted: %w", err)
		}
		metrics.ObserveConfigError()
		d.logger.Warn("configuration invalid, using previous snapshot for this tick",
			zap.Int64("version", snap.Version),
			zap.Error(err),
		)
		report.ConfigFallback = true
	}
	report.ConfigVersion = snap.Version
	d.dispatcher.Configure(snap)

	tasks, err := d.stores.Tasks.ListTasks(ctx, pacer.TaskPending, pacer.TaskRunning)
	if err != nil {
		return report, fmt.Errorf("list tasks: %w", err)
	}
	report.Tasks = len(tasks)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := d.tickTask(ctx, snap, task, &report)
		switch {
		case err == nil:
		case errors.Is(err, pacer.ErrLeaseHeld):
			report.Skipped++
		default:
			report.Failed++
			d.logger.Error("task tick failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	d.logger.Debug("tick finished",
		zap.Int("tasks", report.Tasks),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("deferred", report.Deferred),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (d *Driver) tickTask(ctx context.Context, snap *config.Snapshot, task pacer.Task, report *Report) error {
	now := d.clock.Now()
	lease, ok, err := d.stores.Leases.Acquire(ctx, task.ID, snap.Engine.InstanceName, now, snap.Engine.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return pacer.ErrLeaseHeld
	}

	items, err := d.plan(ctx, snap, task, now, report)
	if err != nil || len(items) == 0 {
		d.release(lease)
		return err
	}

	b := &batch{driver: d, snap: snap, lease: lease}
	b.pending.Add(len(items))
	result := d.dispatcher.Dispatch(ctx, snap, items, b.done)
	report.Dispatched += len(result.Dispatched)
	report.Deferred += len(result.Deferred)
	b.pending.Add(-len(result.Deferred))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		b.pending.Wait()
		d.release(lease)
	}()
	return nil
}

// plan makes sure today's plan exists and returns the work items due now.
func (d *Driver) plan(ctx context.Context, snap *config.Snapshot, task pacer.Task, now time.Time, report *Report) ([]pacer.WorkItem, error) {
	date, hour := pacer.DateOf(now, snap.Location), pacer.HourOf(now, snap.Location)
	current, err := d.stores.Plans.GetPlan(ctx, task.ID, date)
	if errors.Is(err, pacer.ErrNotFound) {
		res, rerr := d.planner.Rollover(ctx, snap, task, date)
		if rerr != nil {
			return nil, fmt.Errorf("rollover: %w", rerr)
		}
		if res.Completed {
			report.Completed++
			return nil, nil
		}
		current, err = res.Plan, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}

	if task.Status == pacer.TaskPending {
		if err := d.stores.Tasks.UpdateTaskStatus(ctx, task.ID, pacer.TaskRunning, now); err != nil {
			return nil, fmt.Errorf("start task: %w", err)
		}
	}

	due := min(current.Remaining(hour), snap.Engine.MaxStepsPerTick)
	items := make([]pacer.WorkItem, due)
	for i := range items {
		items[i] = pacer.WorkItem{
			TaskID:        task.ID,
			OwnerID:       task.OwnerID,
			URL:           task.TargetURL,
			Referer:       task.Referer,
			Country:       task.Country,
			Date:          date,
			Hour:          hour,
			RequestedMode: pacer.ModeHTTP,
		}
	}
	return items, nil
}

func (d *Driver) release(lease pacer.Lease) {
	err := d.retry.Do(d.base, func(ctx context.Context) error {
		return d.stores.Leases.Release(ctx, lease)
	})
	if err != nil {
		d.logger.Warn("lease release failed, it will expire", zap.String("task_id", lease.TaskID), zap.Error(err))
	}
}

// Drain waits until every dispatched item has been committed and its lease
// released, or until ctx ends.
func (d *Driver) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain ticks: %w", ctx.Err())
	}
}
