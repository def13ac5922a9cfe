package memory

import (
	"context"
	"time"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Acquire grants the task lease to holder unless an unexpired lease exists.
func (s *Store) Acquire(_ context.Context, taskID, holder string, now time.Time, ttl time.Duration) (pacer.Lease, bool, error) {
	token, err := s.tokens.NewToken()
	if err != nil {
		return pacer.Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[taskID]; ok && current.ExpiresAt.After(now) {
		return current, false, nil
	}
	lease := pacer.Lease{TaskID: taskID, Holder: holder, Token: token, ExpiresAt: now.Add(ttl)}
	s.leases[taskID] = lease
	return lease, true, nil
}

// Release drops the lease if it is still the one identified by lease.Token.
func (s *Store) Release(_ context.Context, lease pacer.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[lease.TaskID]; ok && current.Token == lease.Token {
		delete(s.leases, lease.TaskID)
	}
	return nil
}

// ReleaseStale drops leases held by holder or already expired at now.
func (s *Store) ReleaseStale(_ context.Context, holder string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for taskID, lease := range s.leases {
		if lease.Holder == holder || !lease.ExpiresAt.After(now) {
			delete(s.leases, taskID)
			released++
		}
	}
	return released, nil
}
