// Package executor defines the contract between the workflow engine and the
// capabilities that perform task work, plus a registry the engine resolves
// executor names against.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

// Info describes an executor.
type Info struct {
	Name        string
	Description string
	// Schema optionally declares parameter types. The engine uses it to pick
	// fallback values for references that cannot be resolved.
	Schema map[string]cty.Type
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("executor: name is required")
	}
	return nil
}

// Invocation is one request to run a task.
type Invocation struct {
	RunID      string
	WorkflowID string
	TaskID     string
	Executor   string
	Target     string
	Parameters value.Map
	Timeout    time.Duration
	// WorkDir is a per-run directory executors may write artifacts into.
	WorkDir string
}

// Result is what an executor reports back. Output is recorded as the task
// result when Success is true; Diagnostic carries raw text for operators.
type Result struct {
	Success    bool
	Output     value.Map
	Diagnostic string
}

// Succeeded builds a successful result.
func Succeeded(output value.Map) Result {
	if output == nil {
		output = value.Map{}
	}
	return Result{Success: true, Output: output}
}

// Failed builds a failed result with a formatted diagnostic.
func Failed(format string, args ...any) Result {
	return Result{Success: false, Diagnostic: fmt.Sprintf(format, args...)}
}

// Executor performs the work of a task. Implementations report expected
// failures through Result and reserve the error return for problems outside
// the task itself; the engine records both as task failures.
type Executor interface {
	Info() Info
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a function into an Executor.
type Func struct {
	Meta Info
	Fn   func(ctx context.Context, inv Invocation) (Result, error)
}

// Info returns the metadata.
func (f Func) Info() Info { return f.Meta }

// Execute calls Fn.
func (f Func) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if f.Fn == nil {
		return Failed("executor %s has no implementation", f.Meta.Name), nil
	}
	return f.Fn(ctx, inv)
}
