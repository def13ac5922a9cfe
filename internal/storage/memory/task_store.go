package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// CreateTask stores a new task.
func (s *Store) CreateTask(_ context.Context, task pacer.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(_ context.Context, id string) (pacer.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return pacer.Task{}, fmt.Errorf("task %s: %w", id, pacer.ErrNotFound)
	}
	return task, nil
}

// ListTasks returns tasks in any of statuses (all when none given), oldest first.
func (s *Store) ListTasks(_ context.Context, statuses ...pacer.TaskStatus) ([]pacer.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pacer.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if len(statuses) == 0 || hasStatus(statuses, task.Status) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateTaskStatus changes a task's status.
func (s *Store) UpdateTaskStatus(_ context.Context, id string, status pacer.TaskStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, pacer.ErrNotFound)
	}
	task.Status = status
	task.UpdatedAt = at
	s.tasks[id] = task
	return nil
}

func hasStatus(statuses []pacer.TaskStatus, status pacer.TaskStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
