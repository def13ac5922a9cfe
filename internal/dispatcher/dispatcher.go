// Package dispatcher gates work items through the HTTP and browser pools and
// the per-owner rate limiter, then runs them asynchronously.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/policy/ratelimit"
)

// Deferral reasons.
const (
	ReasonPoolFull         = "pool_full"
	ReasonRateLimited      = "rate_limited"
	ReasonModeLookupFailed = "mode_lookup_failed"
)

// Alert kinds raised by the dispatcher.
const (
	// AlertExecutorUnavailable is raised when the browser executor cannot be
	// reached.
	AlertExecutorUnavailable = "executor_unavailable"
	// AlertPersistence is raised when an observer still fails after retries.
	AlertPersistence = "persistence_failure"
)

// Visitor executes a single visit.
type Visitor interface {
	Execute(ctx context.Context, snap *config.Snapshot, req executor.Request) executor.Outcome
}

// ModeResolver decides which mode a URL must run in.
type ModeResolver interface {
	RequiredMode(ctx context.Context, ownerID, url string, requested pacer.Mode) (pacer.Mode, error)
}

// Observer receives every completed attempt. Observers must not call back
// into the dispatcher.
type Observer interface {
	AttemptCompleted(ctx context.Context, snap *config.Snapshot, attempt pacer.Attempt) error
}

// Deferred is a work item that was not started this tick.
type Deferred struct {
	Item   pacer.WorkItem
	Reason string
}

// Result partitions the submitted items.
type Result struct {
	Dispatched []pacer.WorkItem
	Deferred   []Deferred
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	InUse int
	Limit int
}

// Dispatcher owns the concurrency gate. It is safe for concurrent use.
type Dispatcher struct {
	base      context.Context
	visitor   Visitor
	modes     ModeResolver
	observers []Observer
	limiter   *ratelimit.Limiter
	pools     map[pacer.Mode]*pool
	clock     pacer.Clock
	ids       pacer.IDGenerator
	alerter   pacer.Alerter
	retry     pacer.RetryPolicy
	alertGate rate.Sometimes
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// New builds a Dispatcher. Accepted work runs under base, so canceling base
// aborts in-flight visits. alerter may be nil.
func New(
	base context.Context,
	visitor Visitor,
	modes ModeResolver,
	clock pacer.Clock,
	ids pacer.IDGenerator,
	alerter pacer.Alerter,
	logger *zap.Logger,
	observers ...Observer,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		base:      base,
		visitor:   visitor,
		modes:     modes,
		observers: observers,
		limiter:   ratelimit.New(ratelimit.Config{}),
		pools: map[pacer.Mode]*pool{
			pacer.ModeHTTP:    newPool(string(pacer.ModeHTTP)),
			pacer.ModeBrowser: newPool(string(pacer.ModeBrowser)),
		},
		clock:     clock,
		ids:       ids,
		alerter:   alerter,
		retry:     pacer.DefaultRetryPolicy(),
		alertGate: rate.Sometimes{Interval: time.Minute},
		logger:    logger.Named("dispatcher"),
	}
}

// SetRetryPolicy replaces the backoff used for observer updates. It must be
// called before the first Dispatch.
func (d *Dispatcher) SetRetryPolicy(policy pacer.RetryPolicy) {
	d.retry = policy
}

// Configure applies the snapshot's pool sizes and owner rate.
func (d *Dispatcher) Configure(snap *config.Snapshot) {
	d.pools[pacer.ModeHTTP].resize(snap.Engine.HTTPConcurrency)
	d.pools[pacer.ModeBrowser].resize(snap.Engine.BrowserConcurrency)
	d.limiter.Configure(ratelimit.Config{
		PerMinute: snap.Engine.OwnerRPM,
		Burst:     snap.Engine.OwnerBurst,
	}, d.clock.Now())
}

// Stats reports the pool for mode.
func (d *Dispatcher) Stats(mode pacer.Mode) PoolStats {
	p, ok := d.pools[mode]
	if !ok {
		return PoolStats{}
	}
	return p.stats()
}

// Dispatch starts every item that gets a slot in its required pool and a
// token from its owner's bucket. It never blocks on the visits themselves;
// onDone is called once per started item after observers have seen it.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *config.Snapshot, items []pacer.WorkItem, onDone func(pacer.Attempt)) Result {
	var res Result
	for _, item := range items {
		requested := item.RequestedMode
		if requested == "" {
			requested = pacer.ModeHTTP
		}
		mode, err := d.modes.RequiredMode(ctx, item.OwnerID, item.URL, requested)
		if err != nil {
			d.logger.Warn("mode lookup failed", zap.String("task_id", item.TaskID), zap.String("url", item.URL), zap.Error(err))
			res.Deferred = append(res.Deferred, d.deferItem(item, ReasonModeLookupFailed))
			continue
		}
		slots := d.pools[mode]
		if slots == nil || !slots.tryAcquire() {
			res.Deferred = append(res.Deferred, d.deferItem(item, ReasonPoolFull))
			continue
		}
		if !d.limiter.Allow(item.OwnerID, d.clock.Now()) {
			slots.release()
			res.Deferred = append(res.Deferred, d.deferItem(item, ReasonRateLimited))
			continue
		}
		d.wg.Add(1)
		go d.run(snap, item, mode, slots, onDone)
		res.Dispatched = append(res.Dispatched, item)
	}
	return res
}

func (d *Dispatcher) deferItem(item pacer.WorkItem, reason string) Deferred {
	metrics.ObserveDeferred(reason)
	return Deferred{Item: item, Reason: reason}
}

func (d *Dispatcher) run(snap *config.Snapshot, item pacer.WorkItem, mode pacer.Mode, slots *pool, onDone func(pacer.Attempt)) {
	defer d.wg.Done()

	out := d.visitor.Execute(d.base, snap, executor.Request{
		URL:     item.URL,
		Referer: item.Referer,
		Country: item.Country,
		Mode:    mode,
	})
	slots.release()

	attempt := d.attempt(item, out)
	metrics.ObserveVisit(string(attempt.Mode), string(attempt.Classification), attempt.Duration)
	if errors.Is(out.Err, pacer.ErrExecutorUnavailable) {
		d.alertUnavailable(out.Err)
	}
	for _, obs := range d.observers {
		d.observe(obs, snap, attempt)
	}
	if onDone != nil {
		onDone(attempt)
	}
}

// observe hands attempt to obs, retrying with backoff. Exhausted retries are
// counted, logged with the whole attempt and raised as an alert.
func (d *Dispatcher) observe(obs Observer, snap *config.Snapshot, attempt pacer.Attempt) {
	err := d.retry.Do(d.base, func(ctx context.Context) error {
		return obs.AttemptCompleted(ctx, snap, attempt)
	})
	if err == nil {
		return
	}
	const op = "record_failure"
	metrics.ObservePersistenceFailure(op)
	d.logger.Error("attempt observer failed",
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
	if d.alerter == nil {
		return
	}
	alertErr := d.alerter.Alert(d.base, pacer.Alert{
		Kind:    AlertPersistence,
		Message: "failure record update failed after retries",
		Fields: map[string]any{
			"op":         op,
			"attempt_id": attempt.ID,
			"task_id":    attempt.TaskID,
			"url":        attempt.URL,
			"error":      err.Error(),
		},
		At: d.clock.Now(),
	})
	if alertErr != nil {
		d.logger.Warn("alert delivery failed", zap.Error(alertErr))
	}
}

func (d *Dispatcher) attempt(item pacer.WorkItem, out executor.Outcome) pacer.Attempt {
	attempt := pacer.Attempt{
		TaskID:         item.TaskID,
		OwnerID:        item.OwnerID,
		URL:            item.URL,
		Mode:           out.Mode,
		Proxy:          out.Proxy,
		Classification: out.Classification,
		HTTPStatus:     out.HTTPStatus,
		FinalURL:       out.FinalURL,
		Duration:       out.Duration,
		At:             d.clock.Now(),
		Date:           item.Date,
		Hour:           item.Hour,
	}
	if out.Err != nil {
		attempt.Error = out.Err.Error()
	}
	if d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			d.logger.Warn("attempt id generation failed", zap.Error(err))
		}
		attempt.ID = id
	}
	return attempt
}

func (d *Dispatcher) alertUnavailable(cause error) {
	d.alertGate.Do(func() {
		d.logger.Error("browser executor unavailable", zap.Error(cause))
		if d.alerter == nil {
			return
		}
		err := d.alerter.Alert(d.base, pacer.Alert{
			Kind:    AlertExecutorUnavailable,
			Message: fmt.Sprintf("browser executor unreachable: %v", cause),
			At:      d.clock.Now(),
		})
		if err != nil {
			d.logger.Warn("alert delivery failed", zap.Error(err))
		}
	})
}

// Drain waits for every started item to finish or for ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}
