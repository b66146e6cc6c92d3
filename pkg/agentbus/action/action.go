// Package action provides the action registry: named, versioned, pluggable
// units of work executed under validation, timeout, concurrency, and
// dependency constraints, with a rollback ledger and execution history.
//
// The registry never retries; retry policy belongs to the router layer
// that invokes it. Rollback is best-effort application-level compensation,
// not a distributed transaction.
package action

import (
	"context"
	"time"
)

// Context identifies who or what requested an execution.
type Context struct {
	ExecutedBy    string `json:"executed_by,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Result is what an execute capability returns. RollbackData, when set on
// a rollbackable action, is recorded in the ledger so the execution can be
// compensated later.
type Result struct {
	Value        any `json:"value,omitempty"`
	RollbackData any `json:"rollback_data,omitempty"`
}

// Validation is the outcome of a validate capability.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// RollbackMeta accompanies a rollback invocation.
type RollbackMeta struct {
	ExecutionID       string    `json:"execution_id"`
	OriginalTimestamp time.Time `json:"original_timestamp"`
}

// ExecuteFunc is an action's execute capability. The context carries the
// action's deadline; implementations driving out-of-process work must
// honor cancellation and kill the underlying operation on timeout.
type ExecuteFunc func(ctx context.Context, params map[string]any, execCtx Context) (*Result, error)

// ValidateFunc is an action's validate capability. It runs before any
// side effect; an invalid result fails the execution immediately.
type ValidateFunc func(ctx context.Context, params map[string]any, execCtx Context) (*Validation, error)

// RollbackFunc is an action's compensation capability. It receives the
// rollback data the execute capability produced.
type RollbackFunc func(ctx context.Context, data any, meta RollbackMeta) error

// DependencyKind classifies a declared dependency.
type DependencyKind string

// Dependency kinds. DependencyAction requires the named action to exist in
// the registry; the others are delegated to a pluggable DependencyChecker.
const (
	DependencyAction     DependencyKind = "action"
	DependencyService    DependencyKind = "service"
	DependencyPermission DependencyKind = "permission"
	DependencyState      DependencyKind = "state"
)

// Dependency declares something an action needs before it can run.
type Dependency struct {
	// Kind defaults to DependencyAction when empty.
	Kind DependencyKind `json:"kind,omitempty"`

	// Target names the required action, service, permission, or state key.
	Target string `json:"target"`
}

// DependsOn declares an action-existence dependency.
func DependsOn(actionName string) Dependency {
	return Dependency{Kind: DependencyAction, Target: actionName}
}

// Config bounds an action's execution.
type Config struct {
	// Timeout is the per-execution deadline. Default: 30s
	Timeout time.Duration

	// Retryable advertises that the router may retry this action's route.
	Retryable bool

	// MaxRetries is the advertised retry bound for routers. Default: 3
	MaxRetries int

	// Rollbackable enables ledger entries for executions that return
	// rollback data.
	Rollbackable bool

	// Exclusive marks the action non-concurrent: at most one running
	// execution at any instant. Overlapping calls are rejected with a
	// ConflictError, never queued.
	Exclusive bool

	// Dependencies must all resolve before the timed run begins.
	Dependencies []Dependency

	// Permissions the executing principal must hold. Checked through the
	// DependencyChecker as permission dependencies.
	Permissions []string
}

// Stats tracks an action's execution counters. The invariant
// Executions == Successes + Failures holds at all times.
type Stats struct {
	Executions     int64         `json:"executions"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastResult     any           `json:"last_result,omitempty"`
	LastExecutedAt time.Time     `json:"last_executed_at,omitzero"`
}

// Definition is a registered action. Identity fields are immutable after
// registration; stats are tracked separately by the registry.
type Definition struct {
	ID          string
	Name        string
	Description string
	Category    string
	Version     string

	Execute  ExecuteFunc
	Validate ValidateFunc
	Rollback RollbackFunc

	Config Config
}

// Status is an execution's lifecycle state.
type Status string

// Execution states. Running resolves to exactly one of Completed or
// Failed; a completed execution may further transition to RolledBack.
const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolledback"
)

// Execution is one tracked invocation of an action.
type Execution struct {
	ID           string         `json:"id"`
	ActionID     string         `json:"action_id"`
	ActionName   string         `json:"action_name"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Context      Context        `json:"context"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at,omitzero"`
	Status       Status         `json:"status"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	RollbackData any            `json:"rollback_data,omitempty"`
}

// Clone returns a copy safe for callers to hold.
func (e *Execution) Clone() *Execution {
	clone := *e
	if e.Parameters != nil {
		clone.Parameters = make(map[string]any, len(e.Parameters))
		for k, v := range e.Parameters {
			clone.Parameters[k] = v
		}
	}
	return &clone
}

// RollbackEntry records the compensation data of a completed execution.
// Entries are removed on successful rollback and retained when rollback
// fails, so a failed compensation can be retried manually.
type RollbackEntry struct {
	ExecutionID string    `json:"execution_id"`
	ActionID    string    `json:"action_id"`
	Data        any       `json:"data"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ExecutionResult is returned to the caller of ExecuteAction.
type ExecutionResult struct {
	ExecutionID string
	Result      any
	Duration    time.Duration
}

// Notification reports an execution outcome. Kind is "action:completed"
// or "action:failed".
type Notification struct {
	Kind          string
	ActionID      string
	ActionName    string
	ExecutionID   string
	CorrelationID string
	Error         string
	Duration      time.Duration
}

// Notification kinds.
const (
	NotifyCompleted = "action:completed"
	NotifyFailed    = "action:failed"
)

// NotifyFunc observes execution outcomes. Invocations are decoupled from
// the execution path; a slow observer never blocks the registry.
type NotifyFunc func(Notification)
