package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/logging"
	"github.com/kingrea/reconflow/internal/policy"
	"github.com/kingrea/reconflow/internal/value"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
	"github.com/kingrea/reconflow/internal/workflow/resolver"
	"github.com/kingrea/reconflow/internal/workflow/scheduler"
)

// loop drives a single run. It is the only writer of the run's state.
type loop struct {
	engine   *Engine
	handle   *Handle
	graph    workflow.Graph
	logger   *slog.Logger
	reporter *lifecycle.Reporter
	statuses scheduler.Statuses
	results  resolver.Results
}

func (l *loop) run(ctx context.Context) {
	defer close(l.handle.done)
	l.reporter = lifecycle.NewReporter(l.handle.RunID, l.graph.ID, l.engine.router, l.engine.clock)
	l.statuses = make(scheduler.Statuses, len(l.graph.Tasks))
	l.results = resolver.Results{}
	for _, task := range l.graph.Tasks {
		l.statuses[task.ID] = workflow.TaskPending
	}
	ctx = logging.WithLogger(ctx, l.logger)

	cancelled := false
	for {
		if l.cancelRequested(ctx) && scheduler.Pending(l.graph, l.statuses) {
			l.cancelPending()
			cancelled = true
			break
		}
		id, ok := scheduler.NextReady(l.graph, l.statuses)
		if !ok {
			if l.blockUnreachable() {
				continue
			}
			break
		}
		spec, _ := l.graph.Task(id)
		l.dispatch(ctx, spec)
	}
	if scheduler.Pending(l.graph, l.statuses) {
		l.blockStranded()
	}
	l.finish(cancelled)
}

func (l *loop) cancelRequested(ctx context.Context) bool {
	return l.handle.CancelRequested() || ctx.Err() != nil
}

// dispatch runs one task to a terminal state.
func (l *loop) dispatch(ctx context.Context, spec workflow.TaskSpec) {
	logger := l.logger.With("task_id", spec.ID, "executor", spec.Executor)
	exec, lookupErr := l.engine.registry.Resolve(spec.Executor)
	var hints resolver.Hints
	if lookupErr == nil {
		hints = resolver.Hints(exec.Info().Schema)
	}
	resolved, warnings := resolver.Resolve(spec.Parameters, l.results, hints)
	if resolved == nil {
		resolved = value.Map{}
	}

	started := l.transition(spec.ID, func(task *workflow.TaskRun) {
		task.Status = workflow.TaskRunning
		task.ResolvedParameters = resolved
		task.StartedAt = l.engine.now()
	})
	l.reporter.TaskStarted(started)
	for _, w := range warnings {
		logger.Warn("unresolved reference", "parameter", w.Parameter, "token", w.Token, "reason", w.Reason)
		l.reporter.Diagnostic(spec.ID, lifecycle.LevelWarn, w.String())
	}

	outcome := l.execute(ctx, logger, spec, exec, lookupErr, resolved)

	finished := l.transition(spec.ID, func(task *workflow.TaskRun) {
		task.FinishedAt = l.engine.now()
		task.Diagnostic = outcome.diagnostic
		if outcome.ok {
			task.Status = workflow.TaskCompleted
			task.Result = outcome.output
			return
		}
		task.Status = workflow.TaskFailed
		task.Error = outcome.err
	})
	if outcome.ok {
		l.results[spec.ID] = outcome.output
		logger.Info("task completed", "duration", finished.Duration())
	} else {
		logger.Warn("task failed", "error", outcome.err)
	}
	l.reporter.TaskFinished(finished, l.snapshotPtr())
}

type outcome struct {
	ok         bool
	output     value.Map
	err        string
	diagnostic string
}

func (l *loop) execute(ctx context.Context, logger *slog.Logger, spec workflow.TaskSpec, exec executor.Executor, lookupErr error, params value.Map) outcome {
	if lookupErr != nil {
		if errors.Is(lookupErr, executor.ErrUnknownExecutor) {
			return outcome{err: lookupErr.Error(), diagnostic: fmt.Sprintf("no executor named %q is registered", spec.Executor)}
		}
		return outcome{err: lookupErr.Error()}
	}
	if l.engine.policy != nil {
		decision, err := l.engine.policy.Authorize(ctx, policy.Input{
			WorkflowID: l.graph.ID,
			RunID:      l.handle.RunID,
			TaskID:     spec.ID,
			Executor:   spec.Executor,
			Target:     l.graph.Target,
			Parameters: params.ToGo(),
		})
		if err != nil {
			return outcome{err: fmt.Sprintf("policy evaluation failed: %v", err)}
		}
		if !decision.Allowed() {
			reason := decision.Reason
			if reason == "" {
				reason = "no reason given"
			}
			return outcome{err: "denied by policy: " + reason}
		}
	}

	workDir, err := l.workDir()
	if err != nil {
		return outcome{err: fmt.Sprintf("prepare work dir: %v", err)}
	}
	inv := executor.Invocation{
		RunID:      l.handle.RunID,
		WorkflowID: l.graph.ID,
		TaskID:     spec.ID,
		Executor:   spec.Executor,
		Target:     l.graph.Target,
		Parameters: params.Clone(),
		Timeout:    spec.Timeout,
		WorkDir:    workDir,
	}
	// In-flight calls are bounded by the task timeout only; cancellation is
	// observed between tasks.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout)
	defer cancel()
	result, err := invoke(callCtx, exec, inv)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return outcome{err: fmt.Sprintf("timed out after %s", spec.Timeout), diagnostic: result.Diagnostic}
		}
		logger.Debug("executor error", "error", err)
		return outcome{err: err.Error(), diagnostic: result.Diagnostic}
	}
	if !result.Success {
		msg := result.Diagnostic
		if msg == "" {
			msg = "executor reported failure"
		}
		return outcome{err: msg, diagnostic: result.Diagnostic}
	}
	output := result.Output.Clone()
	if output == nil {
		output = value.Map{}
	}
	return outcome{ok: true, output: output, diagnostic: result.Diagnostic}
}

// invoke calls the executor and converts a panic into an error.
func invoke(ctx context.Context, exec executor.Executor, inv executor.Invocation) (result executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("executor panic", "task_id", inv.TaskID, "panic", r, "stack", string(debug.Stack()))
			result = executor.Result{}
			err = fmt.Errorf("executor %s panicked: %v", inv.Executor, r)
		}
	}()
	return exec.Execute(ctx, inv)
}

// blockUnreachable marks pending tasks with a dependency that ended without
// completing. It reports whether anything changed.
func (l *loop) blockUnreachable() bool {
	ids := scheduler.Unreachable(l.graph, l.statuses)
	if len(ids) == 0 {
		return false
	}
	plan := scheduler.Snapshot(l.graph, l.statuses)
	for _, id := range ids {
		l.terminate(id, workflow.TaskBlocked, plan.Skipped[id].Detail)
	}
	return true
}

// blockStranded marks tasks that are still pending once nothing is ready and
// nothing is unreachable. A validated graph never gets here.
func (l *loop) blockStranded() {
	for _, task := range l.graph.Tasks {
		if l.statuses[task.ID] == workflow.TaskPending {
			l.logger.Error("task stranded", "task_id", task.ID)
			l.terminate(task.ID, workflow.TaskBlocked, "dependencies can never complete")
		}
	}
}

func (l *loop) cancelPending() {
	l.logger.Info("cancellation requested")
	for _, task := range l.graph.Tasks {
		if l.statuses[task.ID] == workflow.TaskPending {
			l.terminate(task.ID, workflow.TaskCancelled, "run cancelled")
		}
	}
}

func (l *loop) terminate(id string, status workflow.TaskStatus, diagnostic string) {
	task := l.transition(id, func(task *workflow.TaskRun) {
		task.Status = status
		task.Diagnostic = diagnostic
		task.FinishedAt = l.engine.now()
	})
	l.reporter.TaskFinished(task, l.snapshotPtr())
}

func (l *loop) finish(cancelled bool) {
	snapshot := l.handle.update(func(run *workflow.WorkflowRun) {
		run.Recount()
		run.FinishedAt = l.engine.now()
		switch {
		case cancelled:
			run.Status = workflow.RunCancelled
		case run.Completed == run.Total():
			run.Status = workflow.RunCompleted
		default:
			run.Status = workflow.RunFailed
		}
	})
	l.engine.save(l.logger, snapshot)
	l.logger.Info("workflow finished",
		"status", snapshot.Status,
		"completed", snapshot.Completed,
		"failed", snapshot.Failed,
		"blocked", snapshot.Blocked,
		"cancelled", snapshot.Cancelled,
	)
	l.reporter.WorkflowFinished(&snapshot)
}

// transition updates one task, persists the run and returns the task copy.
func (l *loop) transition(id string, fn func(task *workflow.TaskRun)) workflow.TaskRun {
	var out workflow.TaskRun
	snapshot := l.handle.update(func(run *workflow.WorkflowRun) {
		for i := range run.Tasks {
			if run.Tasks[i].TaskID == id {
				fn(&run.Tasks[i])
				out = run.Tasks[i].Clone()
				return
			}
		}
	})
	l.statuses[id] = out.Status
	l.engine.save(l.logger, snapshot)
	return out
}

func (l *loop) snapshotPtr() *workflow.WorkflowRun {
	snapshot := l.handle.Snapshot()
	return &snapshot
}

func (l *loop) workDir() (string, error) {
	if l.engine.runsDir == "" {
		return "", nil
	}
	dir := filepath.Join(l.engine.runsDir, l.handle.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
