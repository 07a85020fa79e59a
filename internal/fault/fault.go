// Package fault defines the error taxonomy shared by all control plane
// components. Errors are classified by kind, not by concrete type: callers
// wrap a sentinel with fmt.Errorf("...: %w", ...) and match with errors.Is.
package fault

import (
	"context"
	"errors"
)

var (
	// ErrConfig is fatal to the affected operation, never to the process.
	ErrConfig = errors.New("config fault")

	// ErrTransient covers network hiccups, probe 5xx responses and bus
	// interruptions. The runtime retries these per the backoff policy.
	ErrTransient = errors.New("transient fault")

	// ErrPermanent covers probe 4xx responses and invalid credentials.
	// Tasks failing with it are not retried.
	ErrPermanent = errors.New("permanent fault")

	// ErrStorage marks store I/O failures. Sustained storage faults
	// promote the orchestrator to read-only mode.
	ErrStorage = errors.New("storage fault")

	// ErrIllegalTransition is a programming error: a state change was
	// requested that the agent state machine does not allow.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrBreakerOpen is returned without invoking the protected call.
	ErrBreakerOpen = errors.New("breaker open")

	// ErrRateLimited means the token bucket for (tenant, action) is empty.
	ErrRateLimited = errors.New("rate limited")

	// ErrTaskTimeout is recorded when a task exceeds its deadline.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrBusClosed is returned by publishes after shutdown.
	ErrBusClosed = errors.New("bus closed")

	// ErrNotFound is returned by lookups for unknown rows.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether the runtime should requeue the task that failed
// with err. BreakerOpen and RateLimited are requeued with a not_before;
// transient faults follow the exponential backoff policy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}
	// Context cancellation during shutdown is not a task failure.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTaskTimeout) {
		return true
	}
	return false
}

// Permanent reports whether the task should be failed without further
// attempts regardless of the attempt counter.
func Permanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrConfig)
}
