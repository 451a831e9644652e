// Package policy authorizes task dispatches against a Rego policy.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the document evaluated for every dispatch. The package is expected
// to define a decision rule and may define a reason rule.
const Query = "data.reconflow.dispatch"

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input describes the dispatch being authorized.
type Input struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Executor   string         `json:"executor"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Decision is the evaluated verdict.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the task may run.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionDeny
}

// Engine holds a prepared query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the policy module.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("reconflow_dispatch.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Load reads a policy file. A missing file yields the default policy.
func Load(ctx context.Context, path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewEngine(ctx, DefaultPolicy)
		}
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return NewEngine(ctx, string(data))
}

// Authorize evaluates the policy for one dispatch. An undefined document
// allows the dispatch.
func (e *Engine) Authorize(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in.document()))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}
	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return normalize(Decision{Decision: val})
	case map[string]any:
		d := Decision{}
		d.Decision, _ = val["decision"].(string)
		d.Reason, _ = val["reason"].(string)
		return normalize(d)
	}
	return Decision{}, fmt.Errorf("policy: unexpected result %T", results[0].Expressions[0].Value)
}

func normalize(d Decision) (Decision, error) {
	switch d.Decision {
	case "":
		d.Decision = DecisionAllow
	case DecisionAllow, DecisionDeny:
	default:
		return Decision{}, fmt.Errorf("policy: unknown decision %q", d.Decision)
	}
	return d, nil
}

// document converts the input into plain JSON-like values for rego.
func (in Input) document() map[string]any {
	doc := map[string]any{
		"workflow_id": in.WorkflowID,
		"run_id":      in.RunID,
		"task_id":     in.TaskID,
		"executor":    in.Executor,
		"target":      in.Target,
	}
	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}
	doc["parameters"] = params
	return doc
}

// DefaultPolicy allows everything.
const DefaultPolicy = `
package reconflow.dispatch

default decision = "allow"
`

// ExamplePolicy is written by project init as a starting point.
const ExamplePolicy = `
package reconflow.dispatch

default decision = "allow"

# Shell commands must run against the workflow target.
decision = "deny" {
	input.executor == "command"
	input.target == ""
}

reason = "command tasks need a target" {
	input.executor == "command"
	input.target == ""
}
`
