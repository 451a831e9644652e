package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/reconflow/internal/workflow"
)

// Publisher accepts events without waiting on consumers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Reporter stamps events for a single run with a sequence number and hands
// them to a publisher. A Reporter is owned by one execution loop and is not
// safe for concurrent use.
type Reporter struct {
	runID      string
	workflowID string
	publisher  Publisher
	clock      func() time.Time
	seq        int64
}

// NewReporter prepares a reporter for the run. A nil publisher discards events.
func NewReporter(runID, workflowID string, publisher Publisher, clock func() time.Time) *Reporter {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = PublisherFunc(nil)
	}
	return &Reporter{runID: runID, workflowID: workflowID, publisher: publisher, clock: clock}
}

// Seq returns the sequence number of the last emitted event.
func (r *Reporter) Seq() int64 {
	return r.seq
}

// TaskStarted reports a dispatch.
func (r *Reporter) TaskStarted(task workflow.TaskRun) Event {
	return r.emit(TaskEvent(KindTaskStarted, task))
}

// TaskFinished reports a task reaching a terminal state and follows it with a
// progress event.
func (r *Reporter) TaskFinished(task workflow.TaskRun, run *workflow.WorkflowRun) Event {
	kind, ok := KindForStatus(task.Status)
	if !ok {
		kind = KindTaskFailed
	}
	event := r.emit(TaskEvent(kind, task))
	r.emit(ProgressEvent(run))
	return event
}

// Diagnostic reports a non-fatal observation such as an unresolved reference.
func (r *Reporter) Diagnostic(taskID string, level Level, message string) Event {
	return r.emit(DiagnosticEvent(taskID, level, message))
}

// WorkflowFinished reports the end of the run.
func (r *Reporter) WorkflowFinished(run *workflow.WorkflowRun) Event {
	return r.emit(FinishedEvent(run))
}

func (r *Reporter) emit(event Event) Event {
	r.seq++
	event.Version = SchemaVersion
	event.EventID = uuid.NewString()
	event.Seq = r.seq
	event.RunID = r.runID
	event.WorkflowID = r.workflowID
	event.Time = r.clock()
	r.publisher.Publish(event)
	return event
}

// TaskEvent builds an unstamped event for a task transition.
func TaskEvent(kind Kind, task workflow.TaskRun) Event {
	return Event{Kind: kind, TaskID: task.TaskID, Task: SnapshotTask(task), Message: taskMessage(kind, task)}
}

// ProgressEvent builds an unstamped progress event.
func ProgressEvent(run *workflow.WorkflowRun) Event {
	progress := ProgressOf(run)
	return Event{
		Kind:     KindProgress,
		Progress: &progress,
		Message:  fmt.Sprintf("%d/%d tasks done", progress.Done, progress.Total),
	}
}

// DiagnosticEvent builds an unstamped diagnostic event.
func DiagnosticEvent(taskID string, level Level, message string) Event {
	if level == "" {
		level = LevelInfo
	}
	return Event{Kind: KindDiagnostic, TaskID: taskID, Level: level, Message: message}
}

// FinishedEvent builds an unstamped workflow_finished event.
func FinishedEvent(run *workflow.WorkflowRun) Event {
	progress := ProgressOf(run)
	snapshot := SnapshotRun(run)
	message := ""
	if snapshot != nil {
		message = fmt.Sprintf("workflow %s %s", snapshot.WorkflowID, snapshot.Status)
	}
	return Event{Kind: KindWorkflowFinished, Run: snapshot, Progress: &progress, Message: message}
}

// KindForStatus maps a terminal task status to its event kind.
func KindForStatus(status workflow.TaskStatus) (Kind, bool) {
	switch status {
	case workflow.TaskRunning:
		return KindTaskStarted, true
	case workflow.TaskCompleted:
		return KindTaskCompleted, true
	case workflow.TaskFailed:
		return KindTaskFailed, true
	case workflow.TaskBlocked:
		return KindTaskBlocked, true
	case workflow.TaskCancelled:
		return KindTaskCancelled, true
	}
	return "", false
}

func taskMessage(kind Kind, task workflow.TaskRun) string {
	switch kind {
	case KindTaskStarted:
		return fmt.Sprintf("%s started (%s)", task.TaskID, task.Executor)
	case KindTaskCompleted:
		return fmt.Sprintf("%s completed in %s", task.TaskID, task.Duration().Round(time.Millisecond))
	case KindTaskFailed:
		return fmt.Sprintf("%s failed: %s", task.TaskID, task.Error)
	case KindTaskBlocked:
		if task.Diagnostic != "" {
			return fmt.Sprintf("%s blocked: %s", task.TaskID, task.Diagnostic)
		}
		return task.TaskID + " blocked"
	case KindTaskCancelled:
		return task.TaskID + " cancelled"
	}
	return task.TaskID
}
