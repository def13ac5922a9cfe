package tick

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// batch is one task's dispatched work for one tick. Completions are committed
// one at a time.
type batch struct {
	driver  *Driver
	snap    *config.Snapshot
	lease   pacer.Lease
	mu      sync.Mutex
	pending sync.WaitGroup
}

func (b *batch) done(attempt pacer.Attempt) {
	defer b.pending.Done()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driver.commit(attempt)
}

// commit persists one attempt: log it, count it if it succeeded and record
// the mode it ran in. Each step is retried on its own.
func (d *Driver) commit(attempt pacer.Attempt) {
	now := d.clock.Now()
	if d.stores.Attempts != nil {
		d.persist("append_attempt", attempt, func(ctx context.Context) error {
			return d.stores.Attempts.AppendAttempt(ctx, attempt)
		})
	}
	if attempt.Succeeded() {
		ok := d.persist("increment_progress", attempt, func(ctx context.Context) error {
			_, err := d.stores.Plans.IncrementProgress(ctx, attempt.TaskID, attempt.Date, attempt.Hour, 1, now)
			return err
		})
		if ok {
			metrics.ObserveProgressCommitted(1)
		}
	}
	d.persist("set_preferred_mode", attempt, func(ctx context.Context) error {
		return d.stores.Plans.SetPreferredMode(ctx, attempt.TaskID, attempt.Date, attempt.Mode, now)
	})
}

func (d *Driver) persist(op string, attempt pacer.Attempt, fn func(context.Context) error) bool {
	err := d.retry.Do(d.base, fn)
	if err == nil {
		return true
	}
	if errors.Is(err, pacer.ErrNotFound) {
		// The plan was frozen by a rollover; the attempt still stays in the log.
		d.logger.Warn("plan no longer writable",
			zap.String("op", op),
			zap.String("task_id", attempt.TaskID),
			zap.String("date", attempt.Date),
			zap.Int("hour", attempt.Hour),
		)
		return false
	}
	metrics.ObservePersistenceFailure(op)
	d.logger.Error("attempt commit failed",
		zap.String("op", op),
		zap.String("attempt_id", attempt.ID),
		zap.String("task_id", attempt.TaskID),
		zap.String("owner_id", attempt.OwnerID),
		zap.String("url", attempt.URL),
		zap.String("mode", string(attempt.Mode)),
		zap.String("proxy", attempt.Proxy),
		zap.String("classification", string(attempt.Classification)),
		zap.Int("http_status", attempt.HTTPStatus),
		zap.String("date", attempt.Date),
		zap.Int("hour", attempt.Hour),
		zap.Time("at", attempt.At),
		zap.Duration("duration", attempt.Duration),
		zap.Error(err),
	)
	if d.alerter != nil {
		alertErr := d.alerter.Alert(d.base, pacer.Alert{
			Kind:    AlertPersistence,
			Message: "attempt commit failed after retries",
			Fields: map[string]any{
				"op":         op,
				"attempt_id": attempt.ID,
				"task_id":    attempt.TaskID,
				"error":      err.Error(),
			},
			At: d.clock.Now(),
		})
		if alertErr != nil {
			d.logger.Warn("alert delivery failed", zap.Error(alertErr))
		}
	}
	return false
}
