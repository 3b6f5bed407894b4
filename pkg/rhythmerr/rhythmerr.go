// Package rhythmerr defines the error kinds shared across the engine, per
// spec §7. Each kind is a distinct Go type so callers can distinguish them
// with errors.As/errors.Is instead of matching on strings.
package rhythmerr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references a missing execution,
// workflow definition, or signal.
var ErrNotFound = errors.New("rhythm: not found")

// ErrConcurrentTransition indicates a status-transition update matched zero
// rows because another worker already won the race. The caller should log
// and move on; it is not a failure of the caller's own work.
var ErrConcurrentTransition = errors.New("rhythm: concurrent transition, another worker won")

// ErrFuelExhausted is returned by the driver when a workflow tick loop hit
// its bounded step limit without reaching Await or Done. The caller should
// re-enqueue the workflow for another Advance pass.
var ErrFuelExhausted = errors.New("rhythm: tick fuel exhausted")

// ParseError surfaces a DSL syntax error at workflow registration. No
// durable state is created when this is returned.
type ParseError struct {
	Message string
	Pos     int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at byte %d: %s", e.Pos, e.Message)
}

// ValidationError surfaces one or more semantic errors found while
// validating a parsed workflow, at registration time.
type ValidationError struct {
	Diagnostics []Diagnostic
}

// Diagnostic is one semantic problem found during validation, with the
// byte-offset span of the offending node.
type Diagnostic struct {
	Kind    string
	Message string
	Start   int
	End     int
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 1 {
		d := e.Diagnostics[0]
		return fmt.Sprintf("validation error (%s) at %d:%d: %s", d.Kind, d.Start, d.End, d.Message)
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(e.Diagnostics), e.Diagnostics[0].Message)
}

// TaskFailure wraps a host task handler's error with whether it still
// counts against max_retries (Retryable) or should fail the execution
// immediately (e.g. an explicit non-retryable marker or attempts exhausted).
type TaskFailure struct {
	Err       error
	Retryable bool
}

func (e *TaskFailure) Error() string { return e.Err.Error() }
func (e *TaskFailure) Unwrap() error { return e.Err }

// ThrownValue is a value thrown inside the DSL (a failed awaited operation
// or a failing stdlib call; the DSL has no throw statement) that was not
// caught by any try/catch and propagated to the workflow's terminal result.
type ThrownValue struct {
	Value any
}

func (e *ThrownValue) Error() string {
	return fmt.Sprintf("uncaught throw: %v", e.Value)
}

// CancellationError marks an execution that was administratively
// cancelled. It is always a non-retryable terminal failure.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "execution cancelled"
	}
	return "execution cancelled: " + e.Reason
}
