package engine

import (
	"sync"

	"github.com/kingrea/reconflow/internal/workflow"
)

// Handle refers to one running or finished workflow run.
type Handle struct {
	RunID      string
	WorkflowID string

	graph workflow.Graph

	mu  sync.RWMutex
	run workflow.WorkflowRun

	cancelOnce sync.Once
	cancel     chan struct{}
	done       chan struct{}
}

func newHandle(g workflow.Graph, run workflow.WorkflowRun) *Handle {
	return &Handle{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		graph:      g,
		run:        run,
		cancel:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Graph returns the validated graph the run executes.
func (h *Handle) Graph() workflow.Graph {
	return h.graph.Clone()
}

// Snapshot returns a deep copy of the run's current state.
func (h *Handle) Snapshot() workflow.WorkflowRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.Clone()
}

// Done is closed once the run has finished and workflow_finished was emitted.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// CancelRequested reports whether Cancel was called.
func (h *Handle) CancelRequested() bool {
	select {
	case <-h.cancel:
		return true
	default:
		return false
	}
}

func (h *Handle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// update applies fn to the run under the write lock and returns a copy of the
// result for publishing and persistence.
func (h *Handle) update(fn func(run *workflow.WorkflowRun)) workflow.WorkflowRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.run)
	h.run.Recount()
	return h.run.Clone()
}
