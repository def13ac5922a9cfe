package dispatcher

import (
	"sync"

	"github.com/JakeFAU/trafficpacer/internal/metrics"
)

// pool is a resizable counting semaphore. Acquisition never blocks.
type pool struct {
	mu    sync.Mutex
	name  string
	limit int
	inUse int
}

func newPool(name string) *pool {
	return &pool{name: name}
}

func (p *pool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse >= p.limit {
		return false
	}
	p.inUse++
	metrics.SetPool(p.name, p.inUse, p.limit)
	return true
}

func (p *pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		p.inUse--
	}
	metrics.SetPool(p.name, p.inUse, p.limit)
}

// resize changes the limit. Slots already held above a smaller limit stay
// held until released.
func (p *pool) resize(limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = max(limit, 0)
	metrics.SetPool(p.name, p.inUse, p.limit)
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{InUse: p.inUse, Limit: p.limit}
}
