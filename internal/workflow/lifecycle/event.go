// Package lifecycle translates task and run transitions into ordered events
// that collaborators such as the event router, history store, and terminal UI
// consume.
package lifecycle

import (
	"time"

	"github.com/kingrea/reconflow/internal/value"
	"github.com/kingrea/reconflow/internal/workflow"
)

// SchemaVersion identifies the event payload layout.
const SchemaVersion = 1

// Kind names an event type.
type Kind string

const (
	KindTaskStarted      Kind = "task_started"
	KindTaskCompleted    Kind = "task_completed"
	KindTaskFailed       Kind = "task_failed"
	KindTaskBlocked      Kind = "task_blocked"
	KindTaskCancelled    Kind = "task_cancelled"
	KindProgress         Kind = "progress"
	KindDiagnostic       Kind = "diagnostic"
	KindWorkflowFinished Kind = "workflow_finished"
)

// Kinds lists every event kind in the order a run can first produce them.
var Kinds = []Kind{
	KindTaskStarted,
	KindTaskCompleted,
	KindTaskFailed,
	KindTaskBlocked,
	KindTaskCancelled,
	KindProgress,
	KindDiagnostic,
	KindWorkflowFinished,
}

// Terminal reports whether no further events follow this kind for the run.
func (k Kind) Terminal() bool {
	return k == KindWorkflowFinished
}

// Level is the severity attached to diagnostic events.
type Level string

const (
	LevelInfo Level = "info"
	LevelWarn Level = "warn"
)

// Event is one observable transition within a run.
type Event struct {
	Version    int           `json:"version"`
	EventID    string        `json:"event_id"`
	Seq        int64         `json:"seq"`
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	Kind       Kind          `json:"kind"`
	TaskID     string        `json:"task_id,omitempty"`
	Task       *TaskSnapshot `json:"task,omitempty"`
	Run        *RunSnapshot  `json:"run,omitempty"`
	Progress   *Progress     `json:"progress,omitempty"`
	Level      Level         `json:"level,omitempty"`
	Message    string        `json:"message,omitempty"`
	Time       time.Time     `json:"time"`
}

// TaskSnapshot copies the fields of a TaskRun relevant to observers.
type TaskSnapshot struct {
	TaskID             string              `json:"task_id"`
	Name               string              `json:"name,omitempty"`
	Executor           string              `json:"executor,omitempty"`
	Status             workflow.TaskStatus `json:"status"`
	ResolvedParameters value.Map           `json:"resolved_parameters,omitempty"`
	Result             value.Map           `json:"result,omitempty"`
	Error              string              `json:"error,omitempty"`
	Diagnostic         string              `json:"diagnostic,omitempty"`
	StartedAt          time.Time           `json:"started_at,omitzero"`
	FinishedAt         time.Time           `json:"finished_at,omitzero"`
}

// Duration is the wall time between start and finish, or zero.
func (s TaskSnapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// RunSnapshot copies the aggregate fields of a WorkflowRun.
type RunSnapshot struct {
	RunID      string             `json:"run_id"`
	WorkflowID string             `json:"workflow_id"`
	Name       string             `json:"name,omitempty"`
	Target     string             `json:"target,omitempty"`
	Status     workflow.RunStatus `json:"status"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Blocked    int                `json:"blocked"`
	Cancelled  int                `json:"cancelled"`
}

// Progress reports how far a run has advanced. Done counts every task in a
// terminal state; Completed counts only the successful ones.
type Progress struct {
	Completed int `json:"completed"`
	Done      int `json:"done"`
	Total     int `json:"total"`
}

// Fraction returns Done/Total in [0,1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

// SnapshotTask copies a TaskRun.
func SnapshotTask(task workflow.TaskRun) *TaskSnapshot {
	return &TaskSnapshot{
		TaskID:             task.TaskID,
		Name:               task.Name,
		Executor:           task.Executor,
		Status:             task.Status,
		ResolvedParameters: task.ResolvedParameters.Clone(),
		Result:             task.Result.Clone(),
		Error:              task.Error,
		Diagnostic:         task.Diagnostic,
		StartedAt:          task.StartedAt,
		FinishedAt:         task.FinishedAt,
	}
}

// SnapshotRun copies the aggregate view of a WorkflowRun.
func SnapshotRun(run *workflow.WorkflowRun) *RunSnapshot {
	if run == nil {
		return nil
	}
	return &RunSnapshot{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		Name:       run.Name,
		Target:     run.Target,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Total:      run.Total(),
		Completed:  run.Completed,
		Failed:     run.Failed,
		Blocked:    run.Blocked,
		Cancelled:  run.Cancelled,
	}
}

// ProgressOf summarizes a run.
func ProgressOf(run *workflow.WorkflowRun) Progress {
	if run == nil {
		return Progress{}
	}
	return Progress{Completed: run.Completed, Done: run.Done(), Total: run.Total()}
}
