package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/logging"
	"github.com/kingrea/reconflow/internal/policy"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// ErrRunNotFound is returned when a run id is not known to the engine.
var ErrRunNotFound = errors.New("workflow engine: run not found")

// Authorizer decides whether a task may be dispatched.
type Authorizer interface {
	Authorize(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Engine starts and tracks workflow runs.
type Engine struct {
	registry *executor.Registry
	router   *eventbridge.Router
	store    StateStore
	policy   Authorizer
	clock    func() time.Time
	logger   *slog.Logger
	runsDir  string
	newID    func() string

	mu    sync.RWMutex
	runs  map[string]*Handle
	order []string
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger routes engine logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRouter publishes lifecycle events through an existing router so other
// components can attach sinks to it.
func WithRouter(router *eventbridge.Router) Option {
	return func(e *Engine) {
		if router != nil {
			e.router = router
		}
	}
}

// WithStateStore persists a run snapshot after every transition.
func WithStateStore(store StateStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithPolicy checks every dispatch against an authorizer.
func WithPolicy(p Authorizer) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRunsDir gives each run a working directory at <dir>/<run-id> that is
// passed to executors.
func WithRunsDir(dir string) Option {
	return func(e *Engine) {
		e.runsDir = dir
	}
}

// WithIDGenerator replaces the UUID run id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New wires a workflow engine to the executor registry.
func New(registry *executor.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("workflow engine: executor registry is required")
	}
	engine := &Engine{
		registry: registry,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logging.Discard(),
		newID:    uuid.NewString,
		runs:     map[string]*Handle{},
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.router == nil {
		engine.router = eventbridge.NewRouter(eventbridge.RouterWithLogger(engine.logger))
	}
	return engine, nil
}

// Registry exposes the executors tasks are dispatched to.
func (e *Engine) Registry() *executor.Registry {
	return e.registry
}

// Router exposes the event router runs publish to.
func (e *Engine) Router() *eventbridge.Router {
	return e.router
}

// Start validates the graph and launches a run in the background. An invalid
// graph is rejected before any run exists. Cancelling ctx has the same effect
// as Cancel; its values (such as the logger) are carried into the run.
func (e *Engine) Start(ctx context.Context, g workflow.Graph) (*Handle, error) {
	graph, err := g.Normalized()
	if err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	runID := e.newID()
	run := workflow.NewRun(runID, graph, e.now())
	h := newHandle(graph, run)

	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow engine: duplicate run id %q", runID)
	}
	e.runs[runID] = h
	e.order = append(e.order, runID)
	e.mu.Unlock()
	e.router.Open(runID)

	logger := e.logger.With("run_id", runID, "workflow_id", graph.ID)
	logger.Info("workflow started", "tasks", len(graph.Tasks), "target", graph.Target)
	e.save(logger, run)

	l := &loop{engine: e, handle: h, graph: graph, logger: logger}
	go l.run(ctx)
	return h, nil
}

// Subscribe follows a run's events. Events already emitted are replayed
// first, and the channel closes after workflow_finished. Once the router has
// pruned a finished run, only its workflow_finished event is rebuilt from the
// final snapshot.
func (e *Engine) Subscribe(h *Handle) eventbridge.Subscription {
	if sub, ok := e.router.SubscribeKnown(h.RunID); ok {
		return sub
	}
	select {
	case <-h.Done():
	default:
		// Router closed before the run finished.
		return eventbridge.Replay()
	}
	return eventbridge.Replay(finishedEvent(h.Snapshot()))
}

func finishedEvent(run workflow.WorkflowRun) lifecycle.Event {
	event := lifecycle.FinishedEvent(&run)
	event.Version = lifecycle.SchemaVersion
	event.EventID = uuid.NewString()
	event.RunID = run.RunID
	event.WorkflowID = run.WorkflowID
	event.Time = run.FinishedAt
	return event
}

// Cancel requests cooperative cancellation of a run. It returns immediately.
func (e *Engine) Cancel(h *Handle) {
	h.requestCancel()
}

// Status returns a snapshot of the run.
func (e *Engine) Status(h *Handle) workflow.WorkflowRun {
	return h.Snapshot()
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, h *Handle) (workflow.WorkflowRun, error) {
	select {
	case <-h.Done():
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Lookup finds a run started by this engine.
func (e *Engine) Lookup(runID string) (*Handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return h, nil
}

// Runs returns snapshots of every run in start order.
func (e *Engine) Runs() []workflow.WorkflowRun {
	e.mu.RLock()
	handles := make([]*Handle, 0, len(e.order))
	for _, id := range e.order {
		handles = append(handles, e.runs[id])
	}
	e.mu.RUnlock()
	out := make([]workflow.WorkflowRun, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out
}

// CancelAll requests cancellation of every active run.
func (e *Engine) CancelAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.runs {
		h.requestCancel()
	}
}

func (e *Engine) save(logger *slog.Logger, run workflow.WorkflowRun) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(run); err != nil {
		logger.Warn("persist run state", "error", err)
	}
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock()
}
