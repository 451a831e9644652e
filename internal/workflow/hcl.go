package workflow

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

type hclFile struct {
	Workflows []hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	ID          string            `hcl:"id,label"`
	Name        string            `hcl:"name,optional"`
	Description string            `hcl:"description,optional"`
	Target      string            `hcl:"target,optional"`
	Metadata    map[string]string `hcl:"metadata,optional"`
	Tasks       []hclTask         `hcl:"task,block"`
}

type hclTask struct {
	ID          string         `hcl:"id,label"`
	Name        string         `hcl:"name,optional"`
	Description string         `hcl:"description,optional"`
	Executor    string         `hcl:"executor"`
	DependsOn   []string       `hcl:"depends_on,optional"`
	Priority    int            `hcl:"priority,optional"`
	Timeout     *string        `hcl:"timeout,optional"`
	Parameters  hcl.Expression `hcl:"parameters,optional"`
}

// ParseGraphHCL decodes a workflow written in HCL:
//
//	workflow "recon" {
//	  target = "example.com"
//	  task "enum" {
//	    executor   = "command"
//	    parameters = { argv = ["subfinder", "-d", "example.com"] }
//	  }
//	  task "probe" {
//	    executor   = "command"
//	    depends_on = ["enum"]
//	    parameters = { hosts = enum.lines, banner = "found ${enum.exit_code}" }
//	  }
//	}
//
// Bare traversals and template interpolations inside parameters are kept as
// reference tokens and resolved at dispatch time like any other definition.
func ParseGraphHCL(src []byte, filename string) (Graph, error) {
	if filename == "" {
		filename = "workflow.hcl"
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Graph{}, fmt.Errorf("workflow: parse hcl: %s", diags.Error())
	}
	var doc hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return Graph{}, fmt.Errorf("workflow: decode hcl: %s", diags.Error())
	}
	if len(doc.Workflows) != 1 {
		return Graph{}, fmt.Errorf("workflow: expected exactly one workflow block, found %d", len(doc.Workflows))
	}
	wf := doc.Workflows[0]
	g := Graph{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		Target:      wf.Target,
		Metadata:    wf.Metadata,
	}
	for _, block := range wf.Tasks {
		task, err := block.task()
		if err != nil {
			return Graph{}, fmt.Errorf("workflow: task %q: %w", block.ID, err)
		}
		g.Tasks = append(g.Tasks, task)
	}
	return g.Normalized()
}

func (b hclTask) task() (TaskSpec, error) {
	task := TaskSpec{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Executor:    b.Executor,
		DependsOn:   b.DependsOn,
		Priority:    b.Priority,
	}
	if b.Timeout != nil {
		timeout, err := parseTimeout(*b.Timeout)
		if err != nil {
			return TaskSpec{}, err
		}
		task.Timeout = timeout
	}
	if b.Parameters == nil {
		return task, nil
	}
	params, err := expressionValue(b.Parameters)
	if err != nil {
		return TaskSpec{}, err
	}
	if params.IsNull() {
		return task, nil
	}
	ty := params.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return TaskSpec{}, fmt.Errorf("parameters must be an object, got %s", ty.FriendlyName())
	}
	task.Parameters = make(value.Map, params.LengthInt())
	for it := params.ElementIterator(); it.Next(); {
		key, v := it.Element()
		task.Parameters[key.AsString()] = v
	}
	return task, nil
}

// expressionValue evaluates an expression without an evaluation context,
// turning variable references into reference-token strings.
func expressionValue(expr hcl.Expression) (cty.Value, error) {
	switch e := expr.(type) {
	case *hclsyntax.ObjectConsExpr:
		attrs := make(map[string]cty.Value, len(e.Items))
		for _, item := range e.Items {
			keyVal, diags := item.KeyExpr.Value(nil)
			if diags.HasErrors() {
				return cty.NilVal, fmt.Errorf("%s", diags.Error())
			}
			if keyVal.IsNull() || keyVal.Type() != cty.String {
				return cty.NilVal, fmt.Errorf("object keys must be strings at %s", item.KeyExpr.Range())
			}
			v, err := expressionValue(item.ValueExpr)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[keyVal.AsString()] = v
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(attrs), nil
	case *hclsyntax.TupleConsExpr:
		if len(e.Exprs) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(e.Exprs))
		for _, item := range e.Exprs {
			v, err := expressionValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, v)
		}
		return cty.TupleVal(elems), nil
	case *hclsyntax.ScopeTraversalExpr:
		token, err := traversalToken(e.Traversal)
		if err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal(token), nil
	case *hclsyntax.TemplateWrapExpr:
		return expressionValue(e.Wrapped)
	case *hclsyntax.TemplateExpr:
		var sb strings.Builder
		for _, part := range e.Parts {
			switch p := part.(type) {
			case *hclsyntax.LiteralValueExpr:
				sb.WriteString(value.Render(p.Val))
			case *hclsyntax.ScopeTraversalExpr:
				token, err := traversalToken(p.Traversal)
				if err != nil {
					return cty.NilVal, err
				}
				sb.WriteString(token)
			default:
				return cty.NilVal, fmt.Errorf("unsupported template part at %s", part.Range())
			}
		}
		return cty.StringVal(sb.String()), nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%s", diags.Error())
	}
	return v, nil
}

// traversalToken renders enum.hosts[0].ip as ${enum.hosts.0.ip}.
func traversalToken(t hcl.Traversal) (string, error) {
	var sb strings.Builder
	sb.WriteString("${")
	for _, part := range t {
		switch p := part.(type) {
		case hcl.TraverseRoot:
			sb.WriteString(p.Name)
		case hcl.TraverseAttr:
			sb.WriteRune('.')
			sb.WriteString(p.Name)
		case hcl.TraverseIndex:
			sb.WriteRune('.')
			switch {
			case p.Key.Type() == cty.String:
				sb.WriteString(p.Key.AsString())
			case p.Key.Type() == cty.Number:
				sb.WriteString(p.Key.AsBigFloat().Text('f', -1))
			default:
				return "", fmt.Errorf("unsupported index in reference at %s", p.SrcRange)
			}
		default:
			return "", fmt.Errorf("unsupported reference at %s", t.SourceRange())
		}
	}
	sb.WriteRune('}')
	return sb.String(), nil
}
