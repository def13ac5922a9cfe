package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

const failureColumns = `id, owner_id, url, http_fail_consecutive, browser_fail_consecutive,
	last_fail_at, prefer_browser_until, notes, created_at, updated_at`

// GetFailure loads the record for (owner, url).
func (s *Store) GetFailure(ctx context.Context, ownerID, url string) (pacer.FailureRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+failureColumns+` FROM url_failures WHERE owner_id = $1 AND url = $2`, ownerID, url)
	rec, err := scanFailure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pacer.FailureRecord{}, fmt.Errorf("failure %s %s: %w", ownerID, url, pacer.ErrNotFound)
	}
	if err != nil {
		return pacer.FailureRecord{}, fmt.Errorf("select failure: %w", err)
	}
	return rec, nil
}

// GetFailureByID loads a record by ID.
func (s *Store) GetFailureByID(ctx context.Context, id string) (pacer.FailureRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+failureColumns+` FROM url_failures WHERE id = $1`, id)
	rec, err := scanFailure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pacer.FailureRecord{}, fmt.Errorf("failure %s: %w", id, pacer.ErrNotFound)
	}
	if err != nil {
		return pacer.FailureRecord{}, fmt.Errorf("select failure: %w", err)
	}
	return rec, nil
}

// UpdateFailure runs fn in a transaction holding an advisory lock on
// (owner, url), so concurrent updates for one URL serialize even before the
// row exists.
func (s *Store) UpdateFailure(ctx context.Context, ownerID, url string, fn pacer.FailureMutator) (rec pacer.FailureRecord, saved bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pacer.FailureRecord{}, false, fmt.Errorf("begin failure update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || E'\n' || $2, 0))`, ownerID, url); err != nil {
		return pacer.FailureRecord{}, false, fmt.Errorf("lock failure record: %w", err)
	}
	row := tx.QueryRow(ctx, `SELECT `+failureColumns+` FROM url_failures WHERE owner_id = $1 AND url = $2 FOR UPDATE`, ownerID, url)
	rec, err = scanFailure(row)
	found := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return pacer.FailureRecord{}, false, fmt.Errorf("select failure: %w", err)
	}
	err = nil

	save, err := fn(&rec, found)
	if err != nil {
		return pacer.FailureRecord{}, false, err
	}
	if !save {
		if err = tx.Rollback(ctx); err != nil {
			return pacer.FailureRecord{}, false, fmt.Errorf("rollback failure update: %w", err)
		}
		return rec, false, nil
	}
	rec.OwnerID, rec.URL = ownerID, url
	_, err = tx.Exec(ctx, `
		INSERT INTO url_failures (`+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, url) DO UPDATE SET
			http_fail_consecutive = EXCLUDED.http_fail_consecutive,
			browser_fail_consecutive = EXCLUDED.browser_fail_consecutive,
			last_fail_at = EXCLUDED.last_fail_at,
			prefer_browser_until = EXCLUDED.prefer_browser_until,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at`,
		rec.ID,
		rec.OwnerID,
		rec.URL,
		rec.HTTPFailConsecutive,
		rec.BrowserFailConsecutive,
		rec.LastFailAt,
		rec.PreferBrowserUntil,
		rec.Notes,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return pacer.FailureRecord{}, false, fmt.Errorf("upsert failure: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return pacer.FailureRecord{}, false, fmt.Errorf("commit failure update: %w", err)
	}
	return rec, true, nil
}

// DeleteFailure removes a record by ID.
func (s *Store) DeleteFailure(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM url_failures WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failure %s: %w", id, pacer.ErrNotFound)
	}
	return nil
}

const failureFilter = `($1 = '' OR owner_id = $1)
	AND ($2 = '' OR url ILIKE $2 ESCAPE '\' OR notes ILIKE $2 ESCAPE '\')`

// SearchFailures filters by owner and keyword over URL and notes, newest first.
func (s *Store) SearchFailures(ctx context.Context, query pacer.FailureQuery) (pacer.FailurePage, error) {
	query = query.Normalize()
	pattern := likePattern(query.Keyword)
	page := pacer.FailurePage{Page: query.Page, PageSize: query.PageSize, Records: []pacer.FailureRecord{}}

	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM url_failures WHERE `+failureFilter,
		query.OwnerID, pattern).Scan(&page.Total); err != nil {
		return pacer.FailurePage{}, fmt.Errorf("count failures: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+failureColumns+` FROM url_failures WHERE `+failureFilter+`
		ORDER BY updated_at DESC, id LIMIT $3 OFFSET $4`,
		query.OwnerID, pattern, query.PageSize, query.Offset())
	if err != nil {
		return pacer.FailurePage{}, fmt.Errorf("search failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return pacer.FailurePage{}, fmt.Errorf("scan failure: %w", err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return pacer.FailurePage{}, fmt.Errorf("search failures: %w", err)
	}
	return page, nil
}

func likePattern(keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(keyword)
	return "%" + escaped + "%"
}

func scanFailure(row pgx.Row) (pacer.FailureRecord, error) {
	var rec pacer.FailureRecord
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.URL,
		&rec.HTTPFailConsecutive,
		&rec.BrowserFailConsecutive,
		&rec.LastFailAt,
		&rec.PreferBrowserUntil,
		&rec.Notes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}
