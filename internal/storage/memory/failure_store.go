package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// GetFailure fetches the record for (owner, url).
func (s *Store) GetFailure(_ context.Context, ownerID, url string) (pacer.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.failures[failureKey{ownerID, url}]
	if !ok {
		return pacer.FailureRecord{}, fmt.Errorf("failure %s %s: %w", ownerID, url, pacer.ErrNotFound)
	}
	return rec, nil
}

// GetFailureByID fetches a record by ID.
func (s *Store) GetFailureByID(_ context.Context, id string) (pacer.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.failures {
		if rec.ID == id {
			return rec, nil
		}
	}
	return pacer.FailureRecord{}, fmt.Errorf("failure %s: %w", id, pacer.ErrNotFound)
}

// UpdateFailure runs fn under the store lock. fn must not call back into the store.
func (s *Store) UpdateFailure(_ context.Context, ownerID, url string, fn pacer.FailureMutator) (pacer.FailureRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := failureKey{ownerID, url}
	rec, found := s.failures[key]
	save, err := fn(&rec, found)
	if err != nil {
		return pacer.FailureRecord{}, false, err
	}
	if !save {
		return rec, false, nil
	}
	rec.OwnerID, rec.URL = ownerID, url
	s.failures[key] = rec
	return rec, true, nil
}

// DeleteFailure removes a record by ID.
func (s *Store) DeleteFailure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.failures {
		if rec.ID == id {
			delete(s.failures, key)
			return nil
		}
	}
	return fmt.Errorf("failure %s: %w", id, pacer.ErrNotFound)
}

// SearchFailures filters by owner and a case-insensitive keyword over URL and
// notes, newest first.
func (s *Store) SearchFailures(_ context.Context, query pacer.FailureQuery) (pacer.FailurePage, error) {
	query = query.Normalize()
	keyword := strings.ToLower(strings.TrimSpace(query.Keyword))

	s.mu.Lock()
	matches := make([]pacer.FailureRecord, 0)
	for _, rec := range s.failures {
		if query.OwnerID != "" && rec.OwnerID != query.OwnerID {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(rec.URL), keyword) &&
			!strings.Contains(strings.ToLower(rec.Notes), keyword) {
			continue
		}
		matches = append(matches, rec)
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	page := pacer.FailurePage{Total: len(matches), Page: query.Page, PageSize: query.PageSize}
	start := min(query.Offset(), len(matches))
	end := min(start+query.PageSize, len(matches))
	page.Records = append([]pacer.FailureRecord(nil), matches[start:end]...)
	return page, nil
}
