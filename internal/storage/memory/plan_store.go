package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// GetPlan fetches the plan for (task, date).
func (s *Store) GetPlan(_ context.Context, taskID, date string) (pacer.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planKey{taskID, date}]
	if !ok {
		return pacer.Plan{}, fmt.Errorf("plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	return plan, nil
}

// InsertPlan stores plan unless one already exists for its (task, date).
func (s *Store) InsertPlan(_ context.Context, plan pacer.Plan) (pacer.Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planKey{plan.TaskID, plan.Date}
	if existing, ok := s.plans[key]; ok {
		return existing, false, nil
	}
	s.plans[key] = plan
	return plan, true, nil
}

// IncrementProgress adds delta to progress[hour], clamped at quota[hour].
func (s *Store) IncrementProgress(_ context.Context, taskID, date string, hour, delta int, at time.Time) (int, error) {
	return s.mutateProgress(taskID, date, hour, at, func(progress, quota int) int {
		return min(progress+delta, quota)
	})
}

// RaiseProgress lifts progress[hour] to min(floor, quota[hour]) without lowering it.
func (s *Store) RaiseProgress(_ context.Context, taskID, date string, hour, floor int, at time.Time) (int, error) {
	return s.mutateProgress(taskID, date, hour, at, func(progress, quota int) int {
		return max(progress, min(floor, quota))
	})
}

func (s *Store) mutateProgress(taskID, date string, hour int, at time.Time, next func(progress, quota int) int) (int, error) {
	if hour < 0 || hour >= pacer.HoursPerDay {
		return 0, fmt.Errorf("hour %d out of range", hour)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planKey{taskID, date}
	plan, ok := s.plans[key]
	if !ok || plan.Frozen {
		return 0, fmt.Errorf("writable plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	value := next(plan.HourlyProgress[hour], plan.HourlyQuota[hour])
	if value < plan.HourlyProgress[hour] {
		value = plan.HourlyProgress[hour]
	}
	plan.HourlyProgress[hour] = value
	plan.UpdatedAt = at
	s.plans[key] = plan
	return value, nil
}

// SetPreferredMode records the mode most recently used for the plan.
func (s *Store) SetPreferredMode(_ context.Context, taskID, date string, mode pacer.Mode, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planKey{taskID, date}
	plan, ok := s.plans[key]
	if !ok {
		return fmt.Errorf("plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	plan.PreferredMode = mode
	plan.UpdatedAt = at
	s.plans[key] = plan
	return nil
}

// FreezeBefore marks the task's plans dated before date as frozen.
func (s *Store) FreezeBefore(_ context.Context, taskID, date string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frozen := 0
	for key, plan := range s.plans {
		if key.taskID != taskID || plan.Frozen || key.date >= date {
			continue
		}
		plan.Frozen = true
		plan.UpdatedAt = at
		s.plans[key] = plan
		frozen++
	}
	return frozen, nil
}
