package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// AppendAttempt inserts an attempt. Re-inserting the same ID is a no-op so
// retried commits stay idempotent.
func (s *Store) AppendAttempt(ctx context.Context, a pacer.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO visit_attempts (id, task_id, owner_id, url, mode, proxy, classification,
			http_status, final_url, duration_ms, error, attempted_at, plan_date, hour)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::date, $14)
		ON CONFLICT (id) DO NOTHING`,
		a.ID,
		a.TaskID,
		a.OwnerID,
		a.URL,
		string(a.Mode),
		a.Proxy,
		string(a.Classification),
		a.HTTPStatus,
		a.FinalURL,
		a.Duration.Milliseconds(),
		a.Error,
		a.At,
		a.Date,
		a.Hour,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// CountSuccesses counts successful attempts per hour for (task, date).
func (s *Store) CountSuccesses(ctx context.Context, taskID, date string) ([pacer.HoursPerDay]int, error) {
	var counts [pacer.HoursPerDay]int
	rows, err := s.db.Query(ctx, `
		SELECT hour, count(*) FROM visit_attempts
		WHERE task_id = $1 AND plan_date = $2::date AND classification = $3
		GROUP BY hour`, taskID, date, string(pacer.ClassSuccess))
	if err != nil {
		return counts, fmt.Errorf("count successes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hour, n int
		if err := rows.Scan(&hour, &n); err != nil {
			return counts, fmt.Errorf("scan success count: %w", err)
		}
		if hour >= 0 && hour < pacer.HoursPerDay {
			counts[hour] = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("count successes: %w", err)
	}
	return counts, nil
}
