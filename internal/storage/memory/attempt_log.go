package memory

import (
	"context"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// AppendAttempt records an attempt.
func (s *Store) AppendAttempt(_ context.Context, attempt pacer.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planKey{attempt.TaskID, attempt.Date}
	s.attempts[key] = append(s.attempts[key], attempt)
	return nil
}

// CountSuccesses counts successful attempts per hour for (task, date).
func (s *Store) CountSuccesses(_ context.Context, taskID, date string) ([pacer.HoursPerDay]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts [pacer.HoursPerDay]int
	for _, attempt := range s.attempts[planKey{taskID, date}] {
		if attempt.Succeeded() && attempt.Hour >= 0 && attempt.Hour < pacer.HoursPerDay {
			counts[attempt.Hour]++
		}
	}
	return counts, nil
}

// Attempts returns a copy of the attempts logged for (task, date).
func (s *Store) Attempts(taskID, date string) []pacer.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pacer.Attempt(nil), s.attempts[planKey{taskID, date}]...)
}
