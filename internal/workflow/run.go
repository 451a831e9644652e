package workflow

import (
	"time"

	"github.com/kingrea/reconflow/internal/value"
)

// TaskStatus tracks one task through a single workflow execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// RunStatus is the aggregate outcome of a workflow execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TaskRun is the mutable execution record for one task. Result is only set
// once the task completed and Error only once it failed.
type TaskRun struct {
	TaskID             string     `json:"task_id"`
	Name               string     `json:"name"`
	Executor           string     `json:"executor"`
	Status             TaskStatus `json:"status"`
	ResolvedParameters value.Map  `json:"resolved_parameters,omitempty"`
	Result             value.Map  `json:"result,omitempty"`
	Error              string     `json:"error,omitempty"`
	Diagnostic         string     `json:"diagnostic,omitempty"`
	StartedAt          time.Time  `json:"started_at,omitzero"`
	FinishedAt         time.Time  `json:"finished_at,omitzero"`
}

// Duration reports how long the task ran, or zero if it never finished.
func (r TaskRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a copy that shares no maps with the receiver.
func (r TaskRun) Clone() TaskRun {
	clone := r
	clone.ResolvedParameters = r.ResolvedParameters.Clone()
	clone.Result = r.Result.Clone()
	return clone
}

// WorkflowRun aggregates every TaskRun of one execution.
type WorkflowRun struct {
	RunID      string            `json:"run_id"`
	WorkflowID string            `json:"workflow_id"`
	Name       string            `json:"name"`
	Target     string            `json:"target,omitempty"`
	Status     RunStatus         `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Blocked    int               `json:"blocked"`
	Cancelled  int               `json:"cancelled"`
	Tasks      []TaskRun         `json:"tasks"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Total is the number of tasks in the run.
func (r WorkflowRun) Total() int {
	return len(r.Tasks)
}

// Done is the number of tasks in a terminal state.
func (r WorkflowRun) Done() int {
	done := 0
	for _, task := range r.Tasks {
		if task.Status.IsTerminal() {
			done++
		}
	}
	return done
}

// Task returns the record for a task id.
func (r WorkflowRun) Task(id string) (TaskRun, bool) {
	for _, task := range r.Tasks {
		if task.TaskID == id {
			return task, true
		}
	}
	return TaskRun{}, false
}

// Recount refreshes the per-status counters from the task records.
func (r *WorkflowRun) Recount() {
	r.Completed, r.Failed, r.Blocked, r.Cancelled = 0, 0, 0, 0
	for _, task := range r.Tasks {
		switch task.Status {
		case TaskCompleted:
			r.Completed++
		case TaskFailed:
			r.Failed++
		case TaskBlocked:
			r.Blocked++
		case TaskCancelled:
			r.Cancelled++
		}
	}
}

// Clone returns a deep copy suitable for handing to other goroutines.
func (r WorkflowRun) Clone() WorkflowRun {
	clone := r
	clone.Metadata = cloneStringMap(r.Metadata)
	if len(r.Tasks) > 0 {
		clone.Tasks = make([]TaskRun, len(r.Tasks))
		for i, task := range r.Tasks {
			clone.Tasks[i] = task.Clone()
		}
	}
	return clone
}

// NewRun creates the initial record for a graph: every task pending.
func NewRun(runID string, g Graph, startedAt time.Time) WorkflowRun {
	run := WorkflowRun{
		RunID:      runID,
		WorkflowID: g.ID,
		Name:       g.Name,
		Target:     g.Target,
		Status:     RunRunning,
		StartedAt:  startedAt,
		Metadata:   cloneStringMap(g.Metadata),
		Tasks:      make([]TaskRun, len(g.Tasks)),
	}
	for i, task := range g.Tasks {
		run.Tasks[i] = TaskRun{
			TaskID:   task.ID,
			Name:     task.DisplayName(),
			Executor: task.Executor,
			Status:   TaskPending,
		}
	}
	return run
}
