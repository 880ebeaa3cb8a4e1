package incident

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal is returned when a mutation is attempted on a resolved
// or failed incident. Repeated completion handling treats it as a no-op.
var ErrAlreadyTerminal = errors.New("incident already terminal")

// ErrNotFound is returned when an incident ID is unknown to the store.
var ErrNotFound = errors.New("incident not found")

// IntegrationError is a stage adapter failure. Transient errors (timeouts,
// 5xx, rate limits) are retried by the stage runner and never reach the
// incident record unless retries exhaust; permanent errors propagate
// immediately and fail the incident.
type IntegrationError struct {
	Stage     Stage
	Transient bool
	Err       error
}

func (e *IntegrationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s stage %s error: %v", e.Stage, kind, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// TransientError wraps err as a retry-eligible stage failure.
func TransientError(stage Stage, err error) *IntegrationError {
	return &IntegrationError{Stage: stage, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable stage failure.
func PermanentError(stage Stage, err error) *IntegrationError {
	return &IntegrationError{Stage: stage, Transient: false, Err: err}
}

// IsTransient reports whether err is a retry-eligible IntegrationError.
func IsTransient(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Transient
}

// InvalidStateError rejects a command issued against an incident in the
// wrong state (e.g. approve-merge before CI passed). The incident itself is
// left untouched; Code carries a machine-readable reason for the caller.
type InvalidStateError struct {
	Code   string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state (%s): %s", e.Code, e.Reason)
}
