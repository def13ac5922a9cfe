package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Acquire takes the task lease when it is free or expired.
func (s *Store) Acquire(ctx context.Context, taskID, holder string, now time.Time, ttl time.Duration) (pacer.Lease, bool, error) {
	token, err := s.tokens.NewToken()
	if err != nil {
		return pacer.Lease{}, false, err
	}
	lease := pacer.Lease{TaskID: taskID, Holder: holder, Token: token, ExpiresAt: now.Add(ttl)}
	var got string
	err = s.db.QueryRow(ctx, `
		INSERT INTO task_leases (task_id, holder, token, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			holder = EXCLUDED.holder,
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE task_leases.expires_at <= $5
		RETURNING token`,
		lease.TaskID, lease.Holder, lease.Token, lease.ExpiresAt, now,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return pacer.Lease{}, false, nil
	}
	if err != nil {
		return pacer.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	return lease, got == token, nil
}

// Release drops the lease if it still carries lease.Token.
func (s *Store) Release(ctx context.Context, lease pacer.Lease) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM task_leases WHERE task_id = $1 AND token = $2`, lease.TaskID, lease.Token); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReleaseStale drops leases held by holder or expired at now.
func (s *Store) ReleaseStale(ctx context.Context, holder string, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM task_leases WHERE holder = $1 OR expires_at <= $2`, holder, now)
	if err != nil {
		return 0, fmt.Errorf("release stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
