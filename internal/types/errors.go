package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These can be checked with errors.Is() for type-safe handling. Only
// infrastructure faults (store or queue unreachable) are allowed to
// escape the core as errors; everything else becomes an Outcome.
var (
	// Request errors
	ErrURLRequired    = errors.New("url is required")
	ErrInvalidRequest = errors.New("invalid request")

	// Proxy rotator errors
	ErrNoProxyAvailable = errors.New("no proxy available")

	// Session store errors
	ErrStoreUnavailable = errors.New("session store unreachable")

	// CAPTCHA queue errors
	ErrQueueUnavailable = errors.New("captcha queue unreachable")
	ErrQueueClosed      = errors.New("captcha queue is closed")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotPending   = errors.New("task is not pending")
	ErrNotAssignee      = errors.New("operator is not the task assignee")
	ErrEmptySolution    = errors.New("solver result is empty")
	ErrTaskTerminal     = errors.New("task already in a terminal state")

	// Job registry errors
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already in a terminal state")

	// Driver errors
	ErrDriverClosed = errors.New("driver has been cleaned up")
)

// InfraError wraps a failure of shared infrastructure (database, KV
// store). It is the only error class callers should map to a 5xx.
type InfraError struct {
	Component string // "captcha-queue", "session-store"
	Err       error
}

// Error implements the error interface.
func (e *InfraError) Error() string {
	return e.Component + " unavailable: " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InfraError) Unwrap() error {
	return e.Err
}

// NewInfraError wraps err as an infrastructure failure of component.
func NewInfraError(component string, err error) *InfraError {
	return &InfraError{Component: component, Err: err}
}
