package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

const planColumns = `task_id, to_char(plan_date, 'YYYY-MM-DD'), hourly_quota, hourly_progress,
	preferred_mode, frozen, created_at, updated_at`

// GetPlan loads the plan for (task, date).
func (s *Store) GetPlan(ctx context.Context, taskID, date string) (pacer.Plan, error) {
	row := s.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE task_id = $1 AND plan_date = $2::date`, taskID, date)
	plan, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pacer.Plan{}, fmt.Errorf("plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	if err != nil {
		return pacer.Plan{}, fmt.Errorf("select plan: %w", err)
	}
	return plan, nil
}

// InsertPlan inserts plan unless one exists for (task, date) and returns the stored row.
func (s *Store) InsertPlan(ctx context.Context, plan pacer.Plan) (pacer.Plan, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO plans (task_id, plan_date, hourly_quota, hourly_progress, preferred_mode, frozen, created_at, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id, plan_date) DO NOTHING
		RETURNING `+planColumns,
		plan.TaskID,
		plan.Date,
		toArray(plan.HourlyQuota),
		toArray(plan.HourlyProgress),
		string(plan.PreferredMode),
		plan.Frozen,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	stored, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetPlan(ctx, plan.TaskID, plan.Date)
		return existing, false, err
	}
	if err != nil {
		return pacer.Plan{}, false, fmt.Errorf("insert plan: %w", err)
	}
	return stored, true, nil
}

// IncrementProgress adds delta to progress[hour] in one statement, clamped at quota[hour].
func (s *Store) IncrementProgress(ctx context.Context, taskID, date string, hour, delta int, at time.Time) (int, error) {
	return s.updateProgress(ctx, `
		UPDATE plans
		SET hourly_progress[$3] = GREATEST(hourly_progress[$3], LEAST(hourly_progress[$3] + $4, hourly_quota[$3])),
			updated_at = $5
		WHERE task_id = $1 AND plan_date = $2::date AND NOT frozen
		RETURNING hourly_progress[$3]`, taskID, date, hour, delta, at)
}

// RaiseProgress lifts progress[hour] to min(floor, quota[hour]) without lowering it.
func (s *Store) RaiseProgress(ctx context.Context, taskID, date string, hour, floor int, at time.Time) (int, error) {
	return s.updateProgress(ctx, `
		UPDATE plans
		SET hourly_progress[$3] = GREATEST(hourly_progress[$3], LEAST($4, hourly_quota[$3])),
			updated_at = $5
		WHERE task_id = $1 AND plan_date = $2::date AND NOT frozen
		RETURNING hourly_progress[$3]`, taskID, date, hour, floor, at)
}

func (s *Store) updateProgress(ctx context.Context, query, taskID, date string, hour, value int, at time.Time) (int, error) {
	if hour < 0 || hour >= pacer.HoursPerDay {
		return 0, fmt.Errorf("hour %d out of range", hour)
	}
	var progress int
	// Postgres arrays are 1-based.
	err := s.db.QueryRow(ctx, query, taskID, date, hour+1, value, at).Scan(&progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("writable plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("update progress: %w", err)
	}
	return progress, nil
}

// SetPreferredMode records the mode most recently used for the plan.
func (s *Store) SetPreferredMode(ctx context.Context, taskID, date string, mode pacer.Mode, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE plans SET preferred_mode = $3, updated_at = $4
		WHERE task_id = $1 AND plan_date = $2::date`, taskID, date, string(mode), at)
	if err != nil {
		return fmt.Errorf("update preferred mode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s/%s: %w", taskID, date, pacer.ErrNotFound)
	}
	return nil
}

// FreezeBefore marks the task's plans dated before date as frozen.
func (s *Store) FreezeBefore(ctx context.Context, taskID, date string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE plans SET frozen = TRUE, updated_at = $3
		WHERE task_id = $1 AND plan_date < $2::date AND NOT frozen`, taskID, date, at)
	if err != nil {
		return 0, fmt.Errorf("freeze plans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPlan(row pgx.Row) (pacer.Plan, error) {
	var (
		plan     pacer.Plan
		quota    []int32
		progress []int32
		mode     string
	)
	err := row.Scan(
		&plan.TaskID,
		&plan.Date,
		&quota,
		&progress,
		&mode,
		&plan.Frozen,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return pacer.Plan{}, err
	}
	plan.HourlyQuota = fromArray(quota)
	plan.HourlyProgress = fromArray(progress)
	plan.PreferredMode = pacer.Mode(mode)
	return plan, nil
}

func toArray(hours [pacer.HoursPerDay]int) []int32 {
	out := make([]int32, pacer.HoursPerDay)
	for i, v := range hours {
		out[i] = int32(v)
	}
	return out
}

func fromArray(values []int32) [pacer.HoursPerDay]int {
	var out [pacer.HoursPerDay]int
	for i := 0; i < len(values) && i < pacer.HoursPerDay; i++ {
		out[i] = int(values[i])
	}
	return out
}
