package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

const taskColumns = `id, owner_id, target_url, referer, country, daily_quota,
	window_start, window_end, status, to_char(end_date, 'YYYY-MM-DD'), created_at, updated_at`

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, task pacer.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, target_url, referer, country, daily_quota,
			window_start, window_end, status, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::date, $11, $12)`,
		task.ID,
		task.OwnerID,
		task.TargetURL,
		task.Referer,
		task.Country,
		task.DailyQuota,
		task.Window.Start,
		task.Window.End,
		string(task.Status),
		task.EndDate,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (pacer.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pacer.Task{}, fmt.Errorf("task %s: %w", id, pacer.ErrNotFound)
	}
	if err != nil {
		return pacer.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks in any of statuses (all when none given), oldest first.
func (s *Store) ListTasks(ctx context.Context, statuses ...pacer.TaskStatus) ([]pacer.Task, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY created_at, id`, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []pacer.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus changes a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status pacer.TaskStatus, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, pacer.ErrNotFound)
	}
	return nil
}

func scanTask(row pgx.Row) (pacer.Task, error) {
	var (
		task    pacer.Task
		status  string
		endDate *string
	)
	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.TargetURL,
		&task.Referer,
		&task.Country,
		&task.DailyQuota,
		&task.Window.Start,
		&task.Window.End,
		&status,
		&endDate,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return pacer.Task{}, err
	}
	task.Status = pacer.TaskStatus(status)
	if endDate != nil {
		task.EndDate = *endDate
	}
	return task, nil
}
