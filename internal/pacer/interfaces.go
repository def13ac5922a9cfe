package pacer

import (
	"context"
	"io"
	"time"
)

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, statuses ...TaskStatus) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, at time.Time) error
}

// PlanStore persists daily execution plans. Progress mutations are atomic and
// clamped so hourly progress never exceeds hourly quota.
type PlanStore interface {
	GetPlan(ctx context.Context, taskID, date string) (Plan, error)
	// InsertPlan stores plan unless one already exists for (task, date); the
	// stored plan is returned either way together with whether it was inserted.
	InsertPlan(ctx context.Context, plan Plan) (Plan, bool, error)
	IncrementProgress(ctx context.Context, taskID, date string, hour, delta int, at time.Time) (int, error)
	// RaiseProgress lifts progress[hour] to min(floor, quota[hour]); it never lowers it.
	RaiseProgress(ctx context.Context, taskID, date string, hour, floor int, at time.Time) (int, error)
	SetPreferredMode(ctx context.Context, taskID, date string, mode Mode, at time.Time) error
	// FreezeBefore marks every plan of the task dated before date as historical.
	FreezeBefore(ctx context.Context, taskID, date string, at time.Time) (int, error)
}

// FailureStore persists per-URL failure records.
type FailureStore interface {
	GetFailure(ctx context.Context, ownerID, url string) (FailureRecord, error)
	GetFailureByID(ctx context.Context, id string) (FailureRecord, error)
	// UpdateFailure runs fn inside a per-record critical section and persists
	// the result when fn returns true.
	UpdateFailure(ctx context.Context, ownerID, url string, fn FailureMutator) (FailureRecord, bool, error)
	DeleteFailure(ctx context.Context, id string) error
	SearchFailures(ctx context.Context, query FailureQuery) (FailurePage, error)
}

// AttemptLog durably records visit attempts for recovery reconciliation.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, attempt Attempt) error
	CountSuccesses(ctx context.Context, taskID, date string) ([HoursPerDay]int, error)
}

// Leaser hands out per-task leases.
type Leaser interface {
	Acquire(ctx context.Context, taskID, holder string, now time.Time, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, lease Lease) error
	// ReleaseStale drops leases owned by holder and any lease already expired at now.
	ReleaseStale(ctx context.Context, holder string, now time.Time) (int, error)
}

// Alert is an operational alert raised for infrastructure-wide failures.
type Alert struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Alerter delivers operational alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// PageState is what a browser session currently shows.
type PageState struct {
	FinalURL   string
	HTTPStatus int
	Title      string
	Content    string

	// Classification is the runner's own verdict, when it reports one.
	Classification Classification
}

// BrowserSession is one open page in a browser runner.
type BrowserSession interface {
	// Inspect reports the current page, re-evaluating it where the runner can.
	Inspect(ctx context.Context) (PageState, error)
	// Click clicks the first element matching selector. It reports false when
	// nothing matched or the runner cannot click.
	Click(ctx context.Context, selector string) (bool, error)
	// Response renders the page as the browser executor wire response.
	Response(ctx context.Context) (BrowserResponse, error)
	Close(ctx context.Context) error
}

// BrowserRunner opens browser sessions. Failures reaching the runner itself
// wrap ErrExecutorUnavailable.
type BrowserRunner interface {
	Open(ctx context.Context, req BrowserRequest) (BrowserSession, error)
}
