// Package failure tracks consecutive visit failures per URL and escalates
// problem URLs from HTTP to browser mode.
package failure

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Diagnoser runs an operator-requested browser visit.
type Diagnoser interface {
	Diagnose(ctx context.Context, snap *config.Snapshot, req executor.Request) (executor.Diagnosis, error)
}

// Tracker owns the failure records. Record updates go through the store's
// per-record critical section so concurrent completions for one URL serialize.
type Tracker struct {
	store     pacer.FailureStore
	ids       pacer.IDGenerator
	clock     pacer.Clock
	diagnoser Diagnoser
	logger    *zap.Logger
}

// New builds a Tracker. diagnoser may be nil when diagnosis is unavailable.
func New(store pacer.FailureStore, ids pacer.IDGenerator, clock pacer.Clock, diagnoser Diagnoser, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, ids: ids, clock: clock, diagnoser: diagnoser, logger: logger.Named("failure")}
}

// AttemptCompleted folds one attempt into the URL's record. A failure of mode
// m bumps m's counter; reaching the HTTP threshold while the browser counter
// is still below its own opens a prefer-browser window. A success resets only
// its own mode's counter and leaves the window alone.
func (t *Tracker) AttemptCompleted(ctx context.Context, snap *config.Snapshot, attempt pacer.Attempt) error {
	policy := snap.FailurePolicy()
	now := t.clock.Now()
	var from, to pacer.URLState

	_, changed, err := t.store.UpdateFailure(ctx, attempt.OwnerID, attempt.URL, func(rec *pacer.FailureRecord, found bool) (bool, error) {
		if attempt.Succeeded() {
			if !found || rec.Counter(attempt.Mode) == 0 {
				return false, nil
			}
			from = rec.State(policy)
			setCounter(rec, attempt.Mode, 0)
			rec.UpdatedAt = now
			to = rec.State(policy)
			return true, nil
		}
		if !found {
			id, err := t.ids.NewID()
			if err != nil {
				return false, fmt.Errorf("failure record id: %w", err)
			}
			*rec = pacer.FailureRecord{ID: id, OwnerID: attempt.OwnerID, URL: attempt.URL, CreatedAt: now}
		}
		from = rec.State(policy)
		setCounter(rec, attempt.Mode, rec.Counter(attempt.Mode)+1)
		failedAt := now
		rec.LastFailAt = &failedAt
		to = rec.State(policy)
		if to == pacer.StateHTTPDegraded && !rec.PreferBrowserActive(now) {
			until := now.Add(policy.Cooldown)
			rec.PreferBrowserUntil = &until
			t.logger.Info("prefer browser window opened",
				zap.String("owner_id", rec.OwnerID),
				zap.String("url", rec.URL),
				zap.Int("http_failures", rec.HTTPFailConsecutive),
				zap.Time("until", until),
			)
		}
		rec.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", attempt.URL, err)
	}
	if changed && from != to {
		metrics.ObserveStateTransition(string(from), string(to))
		t.logger.Info("url failure state changed",
			zap.String("owner_id", attempt.OwnerID),
			zap.String("url", attempt.URL),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return nil
}

// RequiredMode returns browser while the URL's prefer-browser window is
// active and requested otherwise.
func (t *Tracker) RequiredMode(ctx context.Context, ownerID, url string, requested pacer.Mode) (pacer.Mode, error) {
	rec, err := t.store.GetFailure(ctx, ownerID, url)
	if errors.Is(err, pacer.ErrNotFound) {
		return requested, nil
	}
	if err != nil {
		return requested, fmt.Errorf("lookup failure record: %w", err)
	}
	if rec.PreferBrowserActive(t.clock.Now()) {
		return pacer.ModeBrowser, nil
	}
	return requested, nil
}

// IsProblem reports the owner-facing problem-URL flag: any degraded state or
// an active prefer-browser window.
func (t *Tracker) IsProblem(ctx context.Context, snap *config.Snapshot, ownerID, url string) (bool, error) {
	rec, err := t.store.GetFailure(ctx, ownerID, url)
	if errors.Is(err, pacer.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.State(snap.FailurePolicy()) != pacer.StateHealthy || rec.PreferBrowserActive(t.clock.Now()), nil
}

func setCounter(rec *pacer.FailureRecord, mode pacer.Mode, value int) {
	if mode == pacer.ModeBrowser {
		rec.BrowserFailConsecutive = value
		return
	}
	rec.HTTPFailConsecutive = value
}
