package scheduler

import (
	"fmt"
	"sort"

	"github.com/kingrea/reconflow/internal/workflow"
)

// Statuses maps task ids to their current status. Missing entries are treated
// as pending.
type Statuses map[string]workflow.TaskStatus

// SkipReason explains why a pending task was not offered.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	// SkipReasonWaiting marks a task whose dependencies may still complete.
	SkipReasonWaiting SkipReasonCode = "waiting"
	// SkipReasonUnreachable marks a task that depends on a task which ended
	// without completing. It can never run.
	SkipReasonUnreachable SkipReasonCode = "unreachable"
)

// Plan is a full readiness snapshot of a graph.
type Plan struct {
	// Ready lists runnable task ids in dispatch order.
	Ready []string
	// Skipped explains every pending task that is not ready.
	Skipped map[string]SkipReason
}

// NextReady returns the ready task with the highest priority. Ties go to the
// task declared first. The second return is false when nothing is ready.
func NextReady(g workflow.Graph, statuses Statuses) (string, bool) {
	best := -1
	for i, task := range g.Tasks {
		if !isReady(task, statuses) {
			continue
		}
		if best < 0 || task.Priority > g.Tasks[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return g.Tasks[best].ID, true
}

// Ready returns every ready task in the order NextReady would pick them if
// none of them changed the readiness of the others.
func Ready(g workflow.Graph, statuses Statuses) []string {
	type candidate struct {
		id       string
		priority int
		index    int
	}
	var ready []candidate
	for i, task := range g.Tasks {
		if isReady(task, statuses) {
			ready = append(ready, candidate{id: task.ID, priority: task.Priority, index: i})
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].priority != ready[j].priority {
			return ready[i].priority > ready[j].priority
		}
		return ready[i].index < ready[j].index
	})
	ids := make([]string, len(ready))
	for i, c := range ready {
		ids[i] = c.id
	}
	return ids
}

// Unreachable returns pending tasks, in declaration order, that have at least
// one dependency which finished without completing. Tasks downstream of those
// are not included; callers mark the returned tasks and ask again.
func Unreachable(g workflow.Graph, statuses Statuses) []string {
	var ids []string
	for _, task := range g.Tasks {
		if statusOf(statuses, task.ID) != workflow.TaskPending {
			continue
		}
		if _, ok := failedDependency(task, statuses); ok {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

// Pending reports whether any task is still pending.
func Pending(g workflow.Graph, statuses Statuses) bool {
	for _, task := range g.Tasks {
		if statusOf(statuses, task.ID) == workflow.TaskPending {
			return true
		}
	}
	return false
}

// Order returns the sequence tasks would be dispatched in if every task
// completed. Tasks that could never become ready are left out.
func Order(g workflow.Graph) []string {
	statuses := make(Statuses, len(g.Tasks))
	order := make([]string, 0, len(g.Tasks))
	for {
		id, ok := NextReady(g, statuses)
		if !ok {
			return order
		}
		statuses[id] = workflow.TaskCompleted
		order = append(order, id)
	}
}

// Snapshot returns the ready queue plus a reason for every pending task that
// is not in it.
func Snapshot(g workflow.Graph, statuses Statuses) Plan {
	plan := Plan{Ready: Ready(g, statuses)}
	for _, task := range g.Tasks {
		if statusOf(statuses, task.ID) != workflow.TaskPending || isReady(task, statuses) {
			continue
		}
		if dep, ok := failedDependency(task, statuses); ok {
			plan.addSkip(task.ID, SkipReason{
				Reason: SkipReasonUnreachable,
				Detail: fmt.Sprintf("dependency %s is %s", dep, statusOf(statuses, dep)),
			})
			continue
		}
		plan.addSkip(task.ID, SkipReason{Reason: SkipReasonWaiting, Detail: "waiting on " + waitingOn(task, statuses)})
	}
	return plan
}

func (p *Plan) addSkip(id string, reason SkipReason) {
	if p.Skipped == nil {
		p.Skipped = make(map[string]SkipReason)
	}
	p.Skipped[id] = reason
}

func isReady(task workflow.TaskSpec, statuses Statuses) bool {
	if statusOf(statuses, task.ID) != workflow.TaskPending {
		return false
	}
	for _, dep := range task.DependsOn {
		if statusOf(statuses, dep) != workflow.TaskCompleted {
			return false
		}
	}
	return true
}

func failedDependency(task workflow.TaskSpec, statuses Statuses) (string, bool) {
	for _, dep := range task.DependsOn {
		switch statusOf(statuses, dep) {
		case workflow.TaskFailed, workflow.TaskBlocked, workflow.TaskCancelled:
			return dep, true
		}
	}
	return "", false
}

func waitingOn(task workflow.TaskSpec, statuses Statuses) string {
	for _, dep := range task.DependsOn {
		if statusOf(statuses, dep) != workflow.TaskCompleted {
			return dep
		}
	}
	return ""
}

func statusOf(statuses Statuses, id string) workflow.TaskStatus {
	if status, ok := statuses[id]; ok && status != "" {
		return status
	}
	return workflow.TaskPending
}
