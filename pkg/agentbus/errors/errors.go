// Package errors defines the typed error taxonomy shared by the bus,
// router, and action registry, plus retry helpers for callers that need
// their own backoff policies.
//
// Every failure the substrate produces is one of the types below, so
// callers can branch with errors.As instead of matching strings.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports one or more violations found while validating
// an action definition or execution parameters. All violations are
// collected before the error is returned.
type ValidationError struct {
	// Subject identifies what was being validated (action name, event type).
	Subject string

	// Violations lists every failed check.
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("validation failed for %s", e.Subject)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, strings.Join(e.Violations, "; "))
}

// NotFoundError indicates a lookup by ID failed.
type NotFoundError struct {
	// Kind names the entity type (action, subscription, route, rollback entry).
	Kind string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// CapacityExceededError indicates the registry's concurrency ceiling was hit.
// The call was rejected before any side effect.
type CapacityExceededError struct {
	Limit   int
	Running int
}

// Error implements the error interface.
func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d executions running, limit %d", e.Running, e.Limit)
}

// ConflictError indicates an overlapping execution of a non-concurrent
// action. Overlaps are rejected, never queued.
type ConflictError struct {
	// ActionID is the action already running.
	ActionID string

	// ExecutionID is the in-flight execution that caused the conflict.
	ExecutionID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("action %q is already running (execution %s)", e.ActionID, e.ExecutionID)
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "execute createFile").
	Operation string

	// Limit is the deadline that was exceeded.
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Limit, e.Operation)
}

// DependencyError indicates a declared dependency could not be resolved
// before execution began.
type DependencyError struct {
	// ActionID is the action whose dependencies failed.
	ActionID string

	// Missing lists the unresolved dependencies.
	Missing []string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("action %q has unresolved dependencies: %s", e.ActionID, strings.Join(e.Missing, ", "))
}

// ExecutionError wraps an error returned by an action body.
type ExecutionError struct {
	ActionID    string
	ExecutionID string
	Err         error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q execution %s failed: %v", e.ActionID, e.ExecutionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RollbackError indicates compensation could not run or failed. When the
// rollback body itself fails, the ledger entry is retained so the rollback
// can be retried manually.
type RollbackError struct {
	ExecutionID string
	Reason      string
	Err         error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback of execution %s failed: %s: %v", e.ExecutionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rollback of execution %s failed: %s", e.ExecutionID, e.Reason)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}

// ConnectionError indicates the pub/sub transport is unavailable.
// Publishing fails fast while disconnected rather than buffering.
type ConnectionError struct {
	// State is the transport's current lifecycle state.
	State string

	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport not connected (state %s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("transport not connected (state %s)", e.State)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
