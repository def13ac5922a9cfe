package pacer

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers wrap these with %w so causes stay distinguishable.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrProxyUnavailable    = errors.New("no proxy configured")
	ErrExecutionTimeout    = errors.New("visit timed out")
	ErrExecutionBlocked    = errors.New("visit blocked")
	ErrNetwork             = errors.New("network error")
	ErrExecutorUnavailable = errors.New("browser executor unavailable")
	ErrPersistence         = errors.New("persistence error")
	ErrNotFound            = errors.New("record not found")
	ErrLeaseHeld           = errors.New("lease held by another holder")
)

// ErrNoActiveHours is a configuration error: the task window contains no hours.
var ErrNoActiveHours = fmt.Errorf("%w: task has no active hours", ErrConfiguration)

// ClassifyError maps a wrapped taxonomy error to its attempt classification.
func ClassifyError(err error) Classification {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, ErrExecutionTimeout):
		return ClassTimeout
	case errors.Is(err, ErrExecutionBlocked):
		return ClassBlocked
	default:
		return ClassNetworkError
	}
}
