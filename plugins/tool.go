package plugins

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/value"
)

// Tool is an executor backed by a tool definition. It renders the definition's
// argument templates into an argv, delegates to the command executor, and
// parses stdout into "items" and "count" alongside the command outputs.
type Tool struct {
	def     ToolDefinition
	command *executor.Command
	timeout time.Duration
}

// NewTool validates def and binds it to a command executor configured with
// settings.
func NewTool(def ToolDefinition, settings executor.CommandSettings) (*Tool, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalized := def.Normalized()
	timeout, _ := normalized.TimeoutDuration()
	return &Tool{
		def:     normalized,
		command: executor.NewCommand(settings),
		timeout: timeout,
	}, nil
}

// Definition returns the normalized definition.
func (t *Tool) Definition() ToolDefinition { return t.def }

// Info describes the tool as an executor.
func (t *Tool) Info() executor.Info {
	desc := t.def.Description
	if desc == "" {
		desc = t.def.Name
	}
	if desc == "" {
		desc = "run " + t.def.Executable
	}
	if t.def.Category != "" {
		desc = "[" + t.def.Category + "] " + desc
	}
	return executor.Info{
		Name:        t.def.ID,
		Description: desc,
		Schema:      t.def.Schema(),
	}
}

// Execute runs the tool once against the invocation target.
func (t *Tool) Execute(ctx context.Context, inv executor.Invocation) (executor.Result, error) {
	params, err := t.bind(inv.Parameters)
	if err != nil {
		return executor.Failed("%s: %v", t.def.ID, err), nil
	}
	argv, err := t.argv(params, inv.Target)
	if err != nil {
		return executor.Failed("%s: %v", t.def.ID, err), nil
	}
	elems := make([]cty.Value, len(argv))
	for i, arg := range argv {
		elems[i] = cty.StringVal(arg)
	}
	cmdParams := value.Map{"argv": cty.ListVal(elems)}
	if t.def.Stdin != "" {
		if v, ok := params[t.def.Stdin]; ok && !v.IsNull() {
			cmdParams["stdin"] = cty.StringVal(stdinText(v))
		}
	}
	if env, ok := inv.Parameters["env"]; ok {
		cmdParams["env"] = env
	}
	sub := inv
	sub.Parameters = cmdParams
	if t.timeout > 0 && (sub.Timeout <= 0 || t.timeout < sub.Timeout) {
		sub.Timeout = t.timeout
	}
	res, err := t.command.Execute(ctx, sub)
	if err != nil || res.Output == nil {
		return res, err
	}
	res.Output["argv"] = cmdParams["argv"]
	if !res.Success {
		return res, nil
	}
	items, err := t.parse(res.Output["stdout"].AsString())
	if err != nil {
		return executor.Result{Output: res.Output, Diagnostic: fmt.Sprintf("%s: parse output: %v", t.def.ID, err)}, nil
	}
	res.Output["items"] = items
	res.Output["count"] = cty.NumberIntVal(int64(items.LengthInt()))
	return res, nil
}

// bind applies declared defaults and enforces required parameters. Only
// declared parameters are kept.
func (t *Tool) bind(in value.Map) (value.Map, error) {
	out := make(value.Map, len(t.def.Parameters))
	for _, name := range sortedKeys(t.def.Parameters) {
		spec := t.def.Parameters[name]
		if v, ok := in[name]; ok && !v.IsNull() {
			out[name] = v
			continue
		}
		if spec.Default != nil {
			v, err := value.FromGo(spec.Default)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: default: %w", name, err)
			}
			out[name] = v
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("parameter %s is required", name)
		}
	}
	return out, nil
}

func (t *Tool) argv(params value.Map, target string) ([]string, error) {
	argv := []string{t.def.Executable}
	for _, tmpl := range t.def.Args {
		args, err := expand(tmpl, params, target)
		if err != nil {
			return nil, err
		}
		argv = append(argv, args...)
	}
	for _, name := range sortedKeys(t.def.Options) {
		v, ok := params[name]
		if !ok || v.IsNull() {
			continue
		}
		if v.Type() == cty.Bool && v.False() {
			continue
		}
		for _, tmpl := range t.def.Options[name] {
			args, err := expand(tmpl, params, target)
			if err != nil {
				return nil, err
			}
			argv = append(argv, args...)
		}
	}
	return argv, nil
}

// expand renders one template. A template that is a single placeholder for an
// absent parameter produces no argument, and one bound to a list produces an
// argument per element. Embedded lists are joined with commas.
func expand(tmpl string, params value.Map, target string) ([]string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return []string{tmpl}, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tmpl) {
		name := tmpl[matches[0][2]:matches[0][3]]
		if name == "target" {
			return []string{target}, nil
		}
		v, ok := params[name]
		if !ok || v.IsNull() {
			return nil, nil
		}
		if value.IsSequence(v.Type()) {
			var out []string
			for it := v.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				out = append(out, value.Render(elem))
			}
			return out, nil
		}
		return []string{value.Render(v)}, nil
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(tmpl[last:m[0]])
		name := tmpl[m[2]:m[3]]
		if name == "target" {
			sb.WriteString(target)
		} else if v, ok := params[name]; ok {
			sb.WriteString(inlineText(v))
		}
		last = m[1]
	}
	sb.WriteString(tmpl[last:])
	return []string{sb.String()}, nil
}

func inlineText(v cty.Value) string {
	if v.IsNull() || !value.IsSequence(v.Type()) {
		return value.Render(v)
	}
	var parts []string
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		parts = append(parts, value.Render(elem))
	}
	return strings.Join(parts, ",")
}

func stdinText(v cty.Value) string {
	if !value.IsSequence(v.Type()) {
		return value.Render(v)
	}
	var sb strings.Builder
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		sb.WriteString(value.Render(elem))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (t *Tool) parse(stdout string) (cty.Value, error) {
	var items []cty.Value
	switch t.def.Output.Format {
	case FormatRaw:
		return cty.ListVal([]cty.Value{cty.StringVal(stdout)}), nil
	case FormatLines:
		sc := bufio.NewScanner(strings.NewReader(stdout))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				items = append(items, cty.StringVal(line))
			}
		}
		if err := sc.Err(); err != nil {
			return cty.NilVal, err
		}
	case FormatJSON:
		trimmed := strings.TrimSpace(stdout)
		if trimmed == "" {
			break
		}
		decoded, err := value.ParseJSON([]byte(trimmed))
		if err != nil {
			return cty.NilVal, err
		}
		if value.IsSequence(decoded.Type()) {
			for it := decoded.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				items = append(items, elem)
			}
		} else {
			items = append(items, decoded)
		}
	case FormatJSONL:
		for n, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			decoded, err := value.ParseJSON([]byte(line))
			if err != nil {
				return cty.NilVal, fmt.Errorf("line %d: %w", n+1, err)
			}
			items = append(items, decoded)
		}
	}
	if field := t.def.Output.Field; field != "" {
		items = pluck(items, strings.Split(field, "."))
	}
	if t.def.Output.Unique {
		items = unique(items)
	}
	if len(items) == 0 {
		return cty.EmptyTupleVal, nil
	}
	return cty.TupleVal(items), nil
}

// pluck keeps the value at path from each record, dropping records without it.
func pluck(items []cty.Value, path []string) []cty.Value {
	out := items[:0:0]
	for _, item := range items {
		v, err := value.Navigate(item, path)
		if err != nil || v.IsNull() {
			continue
		}
		out = append(out, v)
	}
	return out
}

func unique(items []cty.Value) []cty.Value {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		key, err := value.JSON(item)
		if err != nil {
			continue
		}
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		out = append(out, item)
	}
	return out
}
