package action

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	acterrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/registry"
)

// Options configures a Registry.
type Options struct {
	// MaxConcurrent caps simultaneously running executions across all
	// actions. Excess load is rejected, never queued. Default: 10
	MaxConcurrent int

	// HistoryLimit caps the execution history, FIFO-evicted. Default: 1000
	HistoryLimit int

	// LedgerLimit caps rollback ledger entries pruned by Cleanup.
	// Default: 1000
	LedgerLimit int

	// Checker resolves service/permission/state dependencies.
	// Default: approve everything.
	Checker DependencyChecker

	// Notify observes execution outcomes. Invoked on its own goroutine.
	Notify NotifyFunc

	// Logger receives execution and rollback activity. Nil-safe.
	Logger *slog.Logger

	// Metrics records execution outcomes. Default: no-op.
	Metrics observability.MetricsRecorder

	// Spans traces timed runs. Default: no-op.
	Spans observability.SpanManager
}

// Metrics is a snapshot of registry-wide counters.
type Metrics struct {
	Registered  int
	Running     int
	Executions  int64
	Successes   int64
	Failures    int64
	RolledBack  int64
	LedgerSize  int
	HistorySize int
}

// CleanupOptions bounds a Cleanup pass.
type CleanupOptions struct {
	// MaxAge prunes history and ledger entries older than this.
	// Zero means age is not considered.
	MaxAge time.Duration

	// MaxHistory overrides the registry's history cap for this pass.
	MaxHistory int

	// MaxLedger overrides the registry's ledger cap for this pass.
	MaxLedger int
}

// Registry registers actions and executes them under validation, timeout,
// concurrency, and dependency constraints.
type Registry struct {
	opts Options

	actions *registry.Registry[string, *Definition] // by ID
	names   *registry.Registry[string, string]      // name -> ID

	mu              sync.Mutex
	categories      map[string][]string   // category -> action IDs
	stats           map[string]*Stats     // action ID -> stats
	running         map[string]*Execution // execution ID -> running execution
	runningByAction map[string][]string   // action ID -> running execution IDs
	history         []*Execution          // terminal executions, oldest first
	executions      map[string]*Execution // execution ID -> any known execution
	ledger          map[string]*RollbackEntry
	ledgerOrder     []string            // execution IDs, oldest first
	rollingBack     map[string]struct{} // ledger entries claimed by an in-flight rollback
	rolledBack      int64
	totalExecutions int64
	totalSuccesses  int64
	totalFailures   int64
}

// NewRegistry creates an action registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.LedgerLimit <= 0 {
		opts.LedgerLimit = 1000
	}
	if opts.Checker == nil {
		opts.Checker = AllowAllChecker()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	if opts.Spans == nil {
		opts.Spans = observability.NoopSpanManager{}
	}

	return &Registry{
		opts:            opts,
		actions:         registry.New[string, *Definition](),
		names:           registry.New[string, string](),
		categories:      make(map[string][]string),
		stats:           make(map[string]*Stats),
		running:         make(map[string]*Execution),
		runningByAction: make(map[string][]string),
		executions:      make(map[string]*Execution),
		ledger:          make(map[string]*RollbackEntry),
		rollingBack:     make(map[string]struct{}),
	}
}

// Register validates and indexes an action definition, returning its ID.
// All violations are collected into a single ValidationError.
func (r *Registry) Register(def *Definition) (string, error) {
	var violations []string
	if def.Name == "" {
		violations = append(violations, "name is required")
	}
	if def.Description == "" {
		violations = append(violations, "description is required")
	}
	if def.Category == "" {
		violations = append(violations, "category is required")
	}
	if def.Execute == nil {
		violations = append(violations, "execute capability is required")
	}
	if def.Name != "" && r.names.Has(def.Name) {
		violations = append(violations, fmt.Sprintf("action %q is already registered", def.Name))
	}
	if len(violations) > 0 {
		subject := def.Name
		if subject == "" {
			subject = "action"
		}
		return "", &acterrors.ValidationError{Subject: subject, Violations: violations}
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Config.Timeout <= 0 {
		def.Config.Timeout = 30 * time.Second
	}
	if def.Config.MaxRetries <= 0 {
		def.Config.MaxRetries = 3
	}

	r.actions.Register(def.ID, def)
	r.names.Register(def.Name, def.ID)

	r.mu.Lock()
	r.categories[def.Category] = append(r.categories[def.Category], def.ID)
	r.stats[def.ID] = &Stats{}
	r.mu.Unlock()

	return def.ID, nil
}

// lookup resolves an action by ID, then by name.
func (r *Registry) lookup(idOrName string) (*Definition, error) {
	if def, ok := r.actions.Get(idOrName); ok {
		return def, nil
	}
	if id, ok := r.names.Get(idOrName); ok {
		if def, ok := r.actions.Get(id); ok {
			return def, nil
		}
	}
	return nil, &acterrors.NotFoundError{Kind: "action", ID: idOrName}
}

// ExecuteAction runs a registered action. The sequence is: capacity and
// conflict checks, validation, dependency resolution, then the execute
// capability raced against the action's timeout. Failures are recorded in
// stats and history and returned as typed errors; the registry never
// retries.
//
// The context handed to the execute capability carries the deadline, so a
// body that honors cancellation stops at timeout. A body that ignores it
// is abandoned: the caller still gets a TimeoutError on time, and the
// body's late result is discarded.
func (r *Registry) ExecuteAction(ctx context.Context, actionID string, params map[string]any, execCtx Context) (*ExecutionResult, error) {
	def, err := r.lookup(actionID)
	if err != nil {
		return nil, err
	}

	exec, err := r.begin(def, params, execCtx)
	if err != nil {
		return nil, err
	}

	observability.LogActionStart(r.opts.Logger, def.Name, exec.ID)

	res, runErr := r.run(ctx, def, exec, params, execCtx)
	duration := time.Since(exec.StartedAt)
	r.opts.Metrics.RecordActionExecution(ctx, def.Name, duration, runErr)

	if runErr != nil {
		r.finish(def, exec, nil, nil, runErr, duration)
		observability.LogActionError(r.opts.Logger, def.Name, exec.ID, runErr)
		return nil, runErr
	}

	var value, rollbackData any
	if res != nil {
		value = res.Value
		rollbackData = res.RollbackData
	}
	r.finish(def, exec, value, rollbackData, nil, duration)
	observability.LogActionComplete(r.opts.Logger, def.Name, exec.ID, float64(duration.Milliseconds()))

	return &ExecutionResult{
		ExecutionID: exec.ID,
		Result:      value,
		Duration:    duration,
	}, nil
}

// begin admits an execution: capacity ceiling, then the non-concurrent
// conflict check, then the running-set entry. Rejections here leave no
// record.
func (r *Registry) begin(def *Definition, params map[string]any, execCtx Context) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.running) >= r.opts.MaxConcurrent {
		return nil, &acterrors.CapacityExceededError{
			Limit:   r.opts.MaxConcurrent,
			Running: len(r.running),
		}
	}

	if def.Config.Exclusive {
		if inFlight := r.runningByAction[def.ID]; len(inFlight) > 0 {
			return nil, &acterrors.ConflictError{
				ActionID:    def.ID,
				ExecutionID: inFlight[0],
			}
		}
	}

	exec := &Execution{
		ID:         uuid.New().String(),
		ActionID:   def.ID,
		ActionName: def.Name,
		Parameters: params,
		Context:    execCtx,
		StartedAt:  time.Now(),
		Status:     StatusRunning,
	}
	r.running[exec.ID] = exec
	r.runningByAction[def.ID] = append(r.runningByAction[def.ID], exec.ID)
	r.executions[exec.ID] = exec
	return exec, nil
}

// run performs validation, dependency resolution, and the timed run.
func (r *Registry) run(ctx context.Context, def *Definition, exec *Execution, params map[string]any, execCtx Context) (*Result, error) {
	if def.Validate != nil {
		v, err := def.Validate(ctx, params, execCtx)
		if err != nil {
			return nil, &acterrors.ValidationError{
				Subject:    def.Name,
				Violations: []string{err.Error()},
			}
		}
		if v != nil && !v.Valid {
			return nil, &acterrors.ValidationError{
				Subject:    def.Name,
				Violations: v.Errors,
			}
		}
	}

	if err := r.resolveDependencies(ctx, def); err != nil {
		return nil, err
	}

	return r.timedRun(ctx, def, exec, params, execCtx)
}

// resolveDependencies checks every declared dependency and permission
// before the timed run begins. All failures are collected.
func (r *Registry) resolveDependencies(ctx context.Context, def *Definition) error {
	var missing []string

	for _, dep := range def.Config.Dependencies {
		kind := dep.Kind
		if kind == "" {
			kind = DependencyAction
		}
		if kind == DependencyAction {
			// Existence check only, not liveness.
			if _, err := r.lookup(dep.Target); err != nil {
				missing = append(missing, fmt.Sprintf("action:%s", dep.Target))
			}
			continue
		}
		ok, err := r.opts.Checker.Check(ctx, Dependency{Kind: kind, Target: dep.Target})
		if err != nil || !ok {
			missing = append(missing, fmt.Sprintf("%s:%s", kind, dep.Target))
		}
	}

	for _, perm := range def.Config.Permissions {
		ok, err := r.opts.Checker.Check(ctx, Dependency{Kind: DependencyPermission, Target: perm})
		if err != nil || !ok {
			missing = append(missing, fmt.Sprintf("permission:%s", perm))
		}
	}

	if len(missing) > 0 {
		return &acterrors.DependencyError{ActionID: def.ID, Missing: missing}
	}
	return nil
}

// timedRun races the execute capability against the action's deadline.
func (r *Registry) timedRun(ctx context.Context, def *Definition, exec *Execution, params map[string]any, execCtx Context) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, def.Config.Timeout)
	defer cancel()

	spanCtx, span := r.opts.Spans.StartActionSpan(runCtx, def.Name, exec.ID)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1) // buffered so an abandoned body can finish

	go func() {
		res, err := def.Execute(spanCtx, params, execCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		r.opts.Spans.EndSpanWithError(span, out.err)
		if out.err != nil {
			return nil, &acterrors.ExecutionError{
				ActionID:    def.ID,
				ExecutionID: exec.ID,
				Err:         out.err,
			}
		}
		return out.res, nil

	case <-runCtx.Done():
		err := runCtx.Err()
		r.opts.Spans.EndSpanWithError(span, err)
		if goerrors.Is(err, context.DeadlineExceeded) {
			return nil, &acterrors.TimeoutError{
				Operation: "execute " + def.Name,
				Limit:     def.Config.Timeout,
			}
		}
		// Parent context cancelled
		return nil, &acterrors.ExecutionError{
			ActionID:    def.ID,
			ExecutionID: exec.ID,
			Err:         err,
		}
	}
}

// finish resolves an execution to its terminal state: running-set removal,
// stats, history, ledger, and notification.
func (r *Registry) finish(def *Definition, exec *Execution, value, rollbackData any, runErr error, duration time.Duration) {
	r.mu.Lock()

	delete(r.running, exec.ID)
	r.removeRunningByActionLocked(def.ID, exec.ID)

	stats := r.stats[def.ID]
	stats.Executions++
	r.totalExecutions++
	exec.FinishedAt = exec.StartedAt.Add(duration)

	if runErr != nil {
		stats.Failures++
		r.totalFailures++
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
	} else {
		stats.Successes++
		r.totalSuccesses++
		exec.Status = StatusCompleted
		exec.Result = value
		exec.RollbackData = rollbackData
		stats.LastResult = value
		// Incremental mean over successful runs
		stats.AvgDuration += (duration - stats.AvgDuration) / time.Duration(stats.Successes)

		if def.Config.Rollbackable && rollbackData != nil {
			r.ledger[exec.ID] = &RollbackEntry{
				ExecutionID: exec.ID,
				ActionID:    def.ID,
				Data:        rollbackData,
				RecordedAt:  time.Now(),
			}
			r.ledgerOrder = append(r.ledgerOrder, exec.ID)
		}
	}
	stats.LastExecutedAt = exec.FinishedAt

	r.history = append(r.history, exec)
	for len(r.history) > r.opts.HistoryLimit {
		oldest := r.history[0]
		r.history = r.history[1:]
		delete(r.executions, oldest.ID)
	}

	r.mu.Unlock()

	if r.opts.Notify != nil {
		n := Notification{
			Kind:          NotifyCompleted,
			ActionID:      def.ID,
			ActionName:    def.Name,
			ExecutionID:   exec.ID,
			CorrelationID: exec.Context.CorrelationID,
			Duration:      duration,
		}
		if runErr != nil {
			n.Kind = NotifyFailed
			n.Error = runErr.Error()
		}
		go r.opts.Notify(n)
	}
}

func (r *Registry) removeRunningByActionLocked(actionID, executionID string) {
	ids := r.runningByAction[actionID]
	for i, id := range ids {
		if id == executionID {
			r.runningByAction[actionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.runningByAction[actionID]) == 0 {
		delete(r.runningByAction, actionID)
	}
}

// RollbackAction compensates a completed execution using its ledger entry.
// On success the entry is removed; repeat calls then return NotFoundError.
// On failure the entry is retained so the rollback can be retried.
//
// The entry is claimed before the compensation runs, so concurrent calls
// for the same execution invoke it at most once; the losers see
// NotFoundError as if the rollback had already completed.
func (r *Registry) RollbackAction(ctx context.Context, executionID string) error {
	r.mu.Lock()
	entry, ok := r.ledger[executionID]
	if _, inFlight := r.rollingBack[executionID]; inFlight {
		ok = false
	}
	if ok {
		r.rollingBack[executionID] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		return &acterrors.NotFoundError{Kind: "rollback entry", ID: executionID}
	}

	def, err := r.lookup(entry.ActionID)
	if err != nil {
		r.releaseRollbackClaim(executionID)
		return &acterrors.RollbackError{
			ExecutionID: executionID,
			Reason:      "action no longer registered",
		}
	}
	if def.Rollback == nil {
		r.releaseRollbackClaim(executionID)
		return &acterrors.RollbackError{
			ExecutionID: executionID,
			Reason:      fmt.Sprintf("action %q has no rollback capability", def.Name),
		}
	}

	meta := RollbackMeta{
		ExecutionID:       executionID,
		OriginalTimestamp: entry.RecordedAt,
	}
	rbErr := def.Rollback(ctx, entry.Data, meta)
	r.opts.Metrics.RecordRollback(ctx, def.Name, rbErr)
	observability.LogRollback(r.opts.Logger, def.Name, executionID, rbErr)

	if rbErr != nil {
		// Entry retained for a manual retry
		r.releaseRollbackClaim(executionID)
		return &acterrors.RollbackError{
			ExecutionID: executionID,
			Reason:      "rollback capability failed",
			Err:         rbErr,
		}
	}

	r.mu.Lock()
	delete(r.rollingBack, executionID)
	delete(r.ledger, executionID)
	r.ledgerOrder = removeString(r.ledgerOrder, executionID)
	if exec, ok := r.executions[executionID]; ok {
		exec.Status = StatusRolledBack
	}
	r.rolledBack++
	r.mu.Unlock()
	return nil
}

// releaseRollbackClaim reinstates a claimed ledger entry after a failed
// rollback so it can be retried.
func (r *Registry) releaseRollbackClaim(executionID string) {
	r.mu.Lock()
	delete(r.rollingBack, executionID)
	r.mu.Unlock()
}

func removeString(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Cleanup prunes history and ledger entries, oldest first, by age and cap.
func (r *Registry) Cleanup(opts CleanupOptions) {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = r.opts.HistoryLimit
	}
	maxLedger := opts.MaxLedger
	if maxLedger <= 0 {
		maxLedger = r.opts.LedgerLimit
	}

	var cutoff time.Time
	if opts.MaxAge > 0 {
		cutoff = time.Now().Add(-opts.MaxAge)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.history[:0]
	for _, exec := range r.history {
		if !cutoff.IsZero() && exec.FinishedAt.Before(cutoff) {
			delete(r.executions, exec.ID)
			continue
		}
		keep = append(keep, exec)
	}
	r.history = keep
	for len(r.history) > maxHistory {
		oldest := r.history[0]
		r.history = r.history[1:]
		delete(r.executions, oldest.ID)
	}

	keptOrder := r.ledgerOrder[:0]
	for _, id := range r.ledgerOrder {
		entry := r.ledger[id]
		if entry == nil {
			continue
		}
		if !cutoff.IsZero() && entry.RecordedAt.Before(cutoff) {
			delete(r.ledger, id)
			continue
		}
		keptOrder = append(keptOrder, id)
	}
	r.ledgerOrder = keptOrder
	for len(r.ledgerOrder) > maxLedger {
		oldest := r.ledgerOrder[0]
		r.ledgerOrder = r.ledgerOrder[1:]
		delete(r.ledger, oldest)
	}
}

// Get returns a registered action by ID or name.
func (r *Registry) Get(idOrName string) (*Definition, error) {
	return r.lookup(idOrName)
}

// List returns all registered actions, ordered by name.
func (r *Registry) List() []*Definition {
	defs := r.actions.Values()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ListByCategory returns the actions indexed under a category.
func (r *Registry) ListByCategory(category string) []*Definition {
	r.mu.Lock()
	ids := make([]string, len(r.categories[category]))
	copy(ids, r.categories[category])
	r.mu.Unlock()

	defs := make([]*Definition, 0, len(ids))
	for _, id := range ids {
		if def, ok := r.actions.Get(id); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Stats returns a copy of an action's counters.
func (r *Registry) Stats(idOrName string) (Stats, error) {
	def, err := r.lookup(idOrName)
	if err != nil {
		return Stats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.stats[def.ID], nil
}

// Execution returns a tracked execution by ID.
func (r *Registry) Execution(executionID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return nil, &acterrors.NotFoundError{Kind: "execution", ID: executionID}
	}
	return exec.Clone(), nil
}

// History returns up to limit terminal executions for an action, oldest
// first. limit <= 0 returns everything retained.
func (r *Registry) History(idOrName string, limit int) ([]*Execution, error) {
	def, err := r.lookup(idOrName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Execution
	for _, exec := range r.history {
		if exec.ActionID == def.ID {
			matched = append(matched, exec)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]*Execution, len(matched))
	for i, exec := range matched {
		out[i] = exec.Clone()
	}
	return out, nil
}

// LedgerSize returns the number of rollback entries outstanding.
func (r *Registry) LedgerSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ledger)
}

// Metrics returns a snapshot of registry-wide counters.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Metrics{
		Registered:  r.actions.Len(),
		Running:     len(r.running),
		Executions:  r.totalExecutions,
		Successes:   r.totalSuccesses,
		Failures:    r.totalFailures,
		RolledBack:  r.rolledBack,
		LedgerSize:  len(r.ledger),
		HistorySize: len(r.history),
	}
}
