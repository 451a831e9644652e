package workflow

import (
	"strings"
	"time"

	"github.com/kingrea/reconflow/internal/value"
)

// DefaultTaskTimeout bounds a single executor invocation when the task does
// not declare its own timeout.
const DefaultTaskTimeout = 300 * time.Second

// Graph declares an executable workflow: a set of tasks and their dependency
// edges. Task order is declaration order, which breaks scheduling ties.
type Graph struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Target      string            `json:"target,omitempty"`
	Tasks       []TaskSpec        `json:"tasks"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Source records the file the graph was loaded from, when any.
	Source string `json:"source,omitempty"`
}

// TaskSpec is one node of the graph. Parameter values may embed reference
// tokens that point at results of earlier tasks.
type TaskSpec struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Executor    string        `json:"executor"`
	Parameters  value.Map     `json:"parameters,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// DisplayName falls back to the task id when no name was declared.
func (t TaskSpec) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Clone returns a deep copy of the task.
func (t TaskSpec) Clone() TaskSpec {
	clone := t
	clone.Parameters = t.Parameters.Clone()
	clone.DependsOn = cloneStringSlice(t.DependsOn)
	return clone
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	clone := Graph{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Target:      g.Target,
		Metadata:    cloneStringMap(g.Metadata),
		Source:      g.Source,
	}
	if len(g.Tasks) > 0 {
		clone.Tasks = make([]TaskSpec, len(g.Tasks))
		for i, task := range g.Tasks {
			clone.Tasks[i] = task.Clone()
		}
	}
	return clone
}

// Normalized clones the graph, trims identifiers, drops repeated dependency
// entries, applies defaults, and validates the result.
func (g Graph) Normalized() (Graph, error) {
	clone := g.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Name = strings.TrimSpace(clone.Name)
	clone.Target = strings.TrimSpace(clone.Target)
	if clone.Name == "" {
		clone.Name = clone.ID
	}
	for i := range clone.Tasks {
		task := &clone.Tasks[i]
		task.ID = strings.TrimSpace(task.ID)
		task.Name = strings.TrimSpace(task.Name)
		task.Executor = strings.TrimSpace(task.Executor)
		task.DependsOn = mergeDependencies(task.DependsOn)
		if task.Timeout <= 0 {
			task.Timeout = DefaultTaskTimeout
		}
	}
	if err := Validate(clone); err != nil {
		return Graph{}, err
	}
	return clone, nil
}

// TaskIDs returns task identifiers in declaration order.
func (g Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

// Task looks a task up by id.
func (g Graph) Task(id string) (TaskSpec, bool) {
	for _, task := range g.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return TaskSpec{}, false
}

// Dependents maps each task id to the tasks that depend on it, in
// declaration order.
func (g Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.Tasks))
	for _, task := range g.Tasks {
		for _, dep := range task.DependsOn {
			out[dep] = append(out[dep], task.ID)
		}
	}
	return out
}

func mergeDependencies(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, id := range deps {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, v := range values {
		clone[key] = v
	}
	return clone
}
