// Package ratelimit implements per-owner token buckets that pace dispatches.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages per-owner rate limits. Limits can be reconfigured live;
// existing buckets keep their tokens and pick up the new rate.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	PerMinute int
	Burst     int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{limiters: make(map[string]*rate.Limiter)}
	l.limit, l.burst = normalize(cfg)
	return l
}

func normalize(cfg Config) (rate.Limit, int) {
	limit := rate.Limit(float64(cfg.PerMinute) / 60)
	if cfg.PerMinute <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return limit, burst
}

// Configure applies a new rate to every current and future owner bucket.
func (l *Limiter) Configure(cfg Config, now time.Time) {
	limit, burst := normalize(cfg)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit == l.limit && burst == l.burst {
		return
	}
	l.limit, l.burst = limit, burst
	for _, lim := range l.limiters {
		lim.SetLimitAt(now, limit)
		lim.SetBurstAt(now, burst)
	}
}

// Allow takes one token from owner's bucket if one is available at now.
// It never blocks.
func (l *Limiter) Allow(owner string, now time.Time) bool {
	return l.bucket(owner).AllowN(now, 1)
}

func (l *Limiter) bucket(owner string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[owner]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[owner] = lim
	}
	return lim
}
