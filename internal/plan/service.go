package plan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

var (
	// ErrInvalidTask marks a task rejected at creation.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidTransition marks a status change a task cannot make.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Service owns tasks and their daily plans.
type Service struct {
	tasks  pacer.TaskStore
	plans  pacer.PlanStore
	clock  pacer.Clock
	ids    pacer.IDGenerator
	logger *zap.Logger

	rngMu sync.Mutex
	rng   Rand
}

// NewService builds a Service. A nil rng draws from a time-seeded PCG source.
func NewService(tasks pacer.TaskStore, plans pacer.PlanStore, clock pacer.Clock, ids pacer.IDGenerator, rng Rand, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Service{tasks: tasks, plans: plans, clock: clock, ids: ids, rng: rng, logger: logger.Named("plan")}
}

// RolloverResult describes what a rollover did.
type RolloverResult struct {
	Plan      pacer.Plan
	Frozen    int
	Completed bool
}

// EnsurePlan returns the task's plan for date, generating it if none exists.
// An existing plan is never regenerated.
func (s *Service) EnsurePlan(ctx context.Context, snap *config.Snapshot, task pacer.Task, date string) (pacer.Plan, error) {
	existing, err := s.plans.GetPlan(ctx, task.ID, date)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pacer.ErrNotFound) {
		return pacer.Plan{}, fmt.Errorf("load plan: %w", err)
	}

	s.rngMu.Lock()
	quota, err := Generate(task.DailyQuota, task.Window.Hours(), snap.Engine.HourlyVariance, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		return pacer.Plan{}, fmt.Errorf("generate plan for task %s: %w", task.ID, err)
	}
	now := s.clock.Now()
	stored, inserted, err := s.plans.InsertPlan(ctx, pacer.Plan{
		TaskID:        task.ID,
		Date:          date,
		HourlyQuota:   quota,
		PreferredMode: pacer.ModeHTTP,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return pacer.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	if inserted {
		s.logger.Info("daily plan generated",
			zap.String("task_id", task.ID),
			zap.String("date", date),
			zap.Int("daily_quota", task.DailyQuota),
			zap.Ints("hourly_quota", stored.HourlyQuota[:]),
		)
	}
	return stored, nil
}

// Rollover freezes the task's earlier plans and ensures today's. A task past
// its end date is completed instead.
func (s *Service) Rollover(ctx context.Context, snap *config.Snapshot, task pacer.Task, today string) (RolloverResult, error) {
	var res RolloverResult
	frozen, err := s.plans.FreezeBefore(ctx, task.ID, today, s.clock.Now())
	if err != nil {
		return res, fmt.Errorf("freeze plans before %s: %w", today, err)
	}
	res.Frozen = frozen

	if task.EndDate != "" && task.EndDate < today {
		if err := s.tasks.UpdateTaskStatus(ctx, task.ID, pacer.TaskCompleted, s.clock.Now()); err != nil {
			return res, fmt.Errorf("complete task: %w", err)
		}
		s.logger.Info("task reached end date", zap.String("task_id", task.ID), zap.String("end_date", task.EndDate))
		res.Completed = true
		return res, nil
	}

	res.Plan, err = s.EnsurePlan(ctx, snap, task, today)
	return res, err
}

// CreateTask validates and stores a pending task and plans its first day.
func (s *Service) CreateTask(ctx context.Context, snap *config.Snapshot, task pacer.Task) (pacer.Task, pacer.Plan, error) {
	if err := task.Validate(); err != nil {
		return pacer.Task{}, pacer.Plan{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if task.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return pacer.Task{}, pacer.Plan{}, err
		}
		task.ID = id
	}
	now := s.clock.Now()
	task.Status = pacer.TaskPending
	task.CreatedAt, task.UpdatedAt = now, now
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return pacer.Task{}, pacer.Plan{}, fmt.Errorf("store task: %w", err)
	}
	plan, err := s.EnsurePlan(ctx, snap, task, pacer.DateOf(now, snap.Location))
	if err != nil {
		return task, pacer.Plan{}, err
	}
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("owner_id", task.OwnerID),
		zap.String("url", task.TargetURL),
		zap.Int("daily_quota", task.DailyQuota),
	)
	return task, plan, nil
}

// SetStatus changes a task's status. Completed and terminated are final.
func (s *Service) SetStatus(ctx context.Context, id string, status pacer.TaskStatus) (pacer.Task, error) {
	if !status.Valid() {
		return pacer.Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return pacer.Task{}, err
	}
	if task.Status == status {
		return task, nil
	}
	if task.Status == pacer.TaskCompleted || task.Status == pacer.TaskTerminated {
		return pacer.Task{}, fmt.Errorf("%w: %s is final", ErrInvalidTransition, task.Status)
	}
	now := s.clock.Now()
	if err := s.tasks.UpdateTaskStatus(ctx, id, status, now); err != nil {
		return pacer.Task{}, err
	}
	s.logger.Info("task status changed", zap.String("task_id", id), zap.String("from", string(task.Status)), zap.String("to", string(status)))
	task.Status, task.UpdatedAt = status, now
	return task, nil
}

// Progress is the owner-facing view of a task.
type Progress struct {
	Task      pacer.Task  `json:"task"`
	Plan      *pacer.Plan `json:"plan,omitempty"`
	Delivered int         `json:"delivered"`
	Quota     int         `json:"quota"`
}

// TaskProgress returns the task with today's plan totals, if a plan exists.
func (s *Service) TaskProgress(ctx context.Context, snap *config.Snapshot, id string) (Progress, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	out := Progress{Task: task}
	p, err := s.plans.GetPlan(ctx, id, pacer.DateOf(s.clock.Now(), snap.Location))
	switch {
	case errors.Is(err, pacer.ErrNotFound):
		return out, nil
	case err != nil:
		return Progress{}, fmt.Errorf("load plan: %w", err)
	}
	out.Plan = &p
	out.Delivered = p.Delivered()
	out.Quota = p.Total()
	return out, nil
}
