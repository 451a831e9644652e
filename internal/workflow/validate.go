package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGraph is the root of every structural validation failure.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// MaxTaskIDLength bounds task identifiers.
const MaxTaskIDLength = 100

// DuplicateTaskIDError reports a task id declared more than once.
type DuplicateTaskIDError struct {
	ID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("workflow: duplicate task id %q", e.ID)
}

func (e *DuplicateTaskIDError) Unwrap() error { return ErrInvalidGraph }

// UnknownDependencyError reports a depends_on entry naming no task.
type UnknownDependencyError struct {
	TaskID    string
	MissingID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("workflow: task %q depends on unknown task %q", e.TaskID, e.MissingID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrInvalidGraph }

// CircularDependencyError reports one dependency cycle. Path follows
// depends_on edges and repeats the first id at the end.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return "workflow: circular dependency: " + strings.Join(e.Path, " -> ")
}

func (e *CircularDependencyError) Unwrap() error { return ErrInvalidGraph }

// MissingFieldError reports a required field left empty.
type MissingFieldError struct {
	TaskID string
	Field  string
}

func (e *MissingFieldError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("workflow: %s is required", e.Field)
	}
	return fmt.Sprintf("workflow: task %q: %s is required", e.TaskID, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrInvalidGraph }

// InvalidTaskIDError reports a task id outside the allowed character set.
type InvalidTaskIDError struct {
	ID     string
	Reason string
}

func (e *InvalidTaskIDError) Error() string {
	return fmt.Sprintf("workflow: invalid task id %q: %s", e.ID, e.Reason)
}

func (e *InvalidTaskIDError) Unwrap() error { return ErrInvalidGraph }

// Validate checks the graph structure without side effects. Checks run in a
// fixed order: unique ids, dependency existence, acyclicity, then required
// fields and id syntax.
func Validate(g Graph) error {
	if err := checkUnique(g); err != nil {
		return err
	}
	if err := checkDependencies(g); err != nil {
		return err
	}
	if path := findCycle(g); len(path) > 0 {
		return &CircularDependencyError{Path: path}
	}
	return checkFields(g)
}

func checkUnique(g Graph) error {
	seen := make(map[string]struct{}, len(g.Tasks))
	for _, task := range g.Tasks {
		if _, dup := seen[task.ID]; dup {
			return &DuplicateTaskIDError{ID: task.ID}
		}
		seen[task.ID] = struct{}{}
	}
	return nil
}

func checkDependencies(g Graph) error {
	known := make(map[string]struct{}, len(g.Tasks))
	for _, task := range g.Tasks {
		known[task.ID] = struct{}{}
	}
	for _, task := range g.Tasks {
		for _, dep := range task.DependsOn {
			if _, ok := known[dep]; !ok {
				return &UnknownDependencyError{TaskID: task.ID, MissingID: dep}
			}
		}
	}
	return nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a three-colour depth-first search in declaration order and
// returns the first cycle it meets, or nil.
func findCycle(g Graph) []string {
	deps := make(map[string][]string, len(g.Tasks))
	for _, task := range g.Tasks {
		deps[task.ID] = task.DependsOn
	}
	color := make(map[string]int, len(g.Tasks))
	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, task := range g.Tasks {
		if color[task.ID] == white && visit(task.ID) {
			return cycle
		}
	}
	return nil
}

func checkFields(g Graph) error {
	if strings.TrimSpace(g.ID) == "" {
		return &MissingFieldError{Field: "id"}
	}
	if len(g.Tasks) == 0 {
		return &MissingFieldError{Field: "tasks"}
	}
	for _, task := range g.Tasks {
		if err := checkTaskID(task.ID); err != nil {
			return err
		}
		if strings.TrimSpace(task.Executor) == "" {
			return &MissingFieldError{TaskID: task.ID, Field: "executor"}
		}
	}
	return nil
}

func checkTaskID(id string) error {
	if id == "" {
		return &MissingFieldError{Field: "task id"}
	}
	if len(id) > MaxTaskIDLength {
		return &InvalidTaskIDError{ID: id, Reason: fmt.Sprintf("longer than %d characters", MaxTaskIDLength)}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return &InvalidTaskIDError{ID: id, Reason: "only letters, digits, '-', '_' and '.' are allowed"}
		}
	}
	return nil
}
