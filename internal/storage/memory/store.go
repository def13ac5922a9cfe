// Package memory provides in-process stores for development and tests.
package memory

import (
	"sync"

	"github.com/JakeFAU/trafficpacer/internal/id/uuid"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Store implements every pacer storage interface in memory. All methods are
// safe for concurrent use; none survive a restart.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]pacer.Task
	plans    map[planKey]pacer.Plan
	failures map[failureKey]pacer.FailureRecord
	attempts map[planKey][]pacer.Attempt
	leases   map[string]pacer.Lease
	tokens   *uuid.Generator
}

type planKey struct {
	taskID string
	date   string
}

type failureKey struct {
	ownerID string
	url     string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tasks:    make(map[string]pacer.Task),
		plans:    make(map[planKey]pacer.Plan),
		failures: make(map[failureKey]pacer.FailureRecord),
		attempts: make(map[planKey][]pacer.Attempt),
		leases:   make(map[string]pacer.Lease),
		tokens:   uuid.New(),
	}
}

var (
	_ pacer.TaskStore    = (*Store)(nil)
	_ pacer.PlanStore    = (*Store)(nil)
	_ pacer.FailureStore = (*Store)(nil)
	_ pacer.AttemptLog   = (*Store)(nil)
	_ pacer.Leaser       = (*Store)(nil)
)
