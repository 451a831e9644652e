package resolver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

// Results maps a completed task id to the result it recorded.
type Results map[string]value.Map

// Hints declares the expected type of each parameter. Types steer the
// fallback used when a reference cannot be followed.
type Hints map[string]cty.Type

// Warning describes a reference that fell back to a default value.
type Warning struct {
	Parameter string
	Token     string
	TaskID    string
	Reason    string
}

func (w Warning) String() string {
	return fmt.Sprintf("parameter %s: %s: %s", w.Parameter, w.Token, w.Reason)
}

// Reference is a token found in a parameter, split into the task it names
// and the path into that task's result.
type Reference struct {
	Parameter string
	Token     string
	TaskID    string
	Path      []string
}

// Resolve returns a copy of params with every reference token substituted.
// The inputs are never modified.
func Resolve(params value.Map, results Results, hints Hints) (value.Map, []Warning) {
	if params == nil {
		return nil, nil
	}
	r := &run{results: results}
	out := make(value.Map, len(params))
	for _, key := range params.Keys() {
		hint := cty.DynamicPseudoType
		if t, ok := hints[key]; ok && t != cty.NilType {
			hint = t
		}
		r.param = key
		out[key] = r.walk(params[key], hint)
	}
	return out, r.warnings
}

// References lists every token in params. Parameters are visited in key
// order so the result is stable.
func References(params value.Map) []Reference {
	var refs []Reference
	for _, key := range params.Keys() {
		collect(params[key], func(s string) {
			for _, tok := range scan(s) {
				segs := tok.Segments()
				refs = append(refs, Reference{
					Parameter: key,
					Token:     tok.Raw(),
					TaskID:    segs[0],
					Path:      segs[1:],
				})
			}
		})
	}
	return refs
}

type run struct {
	results  Results
	param    string
	warnings []Warning
}

func (r *run) walk(v cty.Value, hint cty.Type) cty.Value {
	if v.IsNull() || !v.IsKnown() {
		return v
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return r.resolveString(v.AsString(), hint)
	case ty.IsObjectType():
		if v.LengthInt() == 0 {
			return v
		}
		attrs := make(map[string]cty.Value, v.LengthInt())
		for name := range ty.AttributeTypes() {
			attrs[name] = r.walk(v.GetAttr(name), value.NavigateType(hint, []string{name}))
		}
		return cty.ObjectVal(attrs)
	case ty.IsMapType():
		if v.LengthInt() == 0 {
			return v
		}
		elems := make(map[string]cty.Value, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			name := key.AsString()
			elems[name] = r.walk(elem, value.NavigateType(hint, []string{name}))
		}
		if sameType(elems) {
			return cty.MapVal(elems)
		}
		return cty.ObjectVal(elems)
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		if v.LengthInt() == 0 {
			return v
		}
		elems := make([]cty.Value, 0, v.LengthInt())
		i := 0
		for it := v.ElementIterator(); it.Next(); i++ {
			_, elem := it.Element()
			elems = append(elems, r.walk(elem, value.NavigateType(hint, []string{strconv.Itoa(i)})))
		}
		switch {
		case ty.IsTupleType():
			return cty.TupleVal(elems)
		case ty.IsListType() && sameTypeSlice(elems):
			return cty.ListVal(elems)
		case ty.IsSetType() && sameTypeSlice(elems):
			return cty.SetVal(elems)
		}
		return cty.TupleVal(elems)
	}
	return v
}

func (r *run) resolveString(s string, hint cty.Type) cty.Value {
	tokens := scan(s)
	if len(tokens) == 0 {
		return cty.StringVal(s)
	}
	if whole(s, tokens) {
		if v, ok := r.lookup(tokens[0]); ok {
			return v
		}
		return value.Fallback(hint)
	}
	var sb strings.Builder
	last := 0
	for _, tok := range tokens {
		sb.WriteString(s[last:tok.Start])
		if v, ok := r.lookup(tok); ok {
			sb.WriteString(value.Render(v))
		}
		last = tok.End
	}
	sb.WriteString(s[last:])
	return cty.StringVal(sb.String())
}

// lookup finds the longest dotted prefix of the token that names a recorded
// result, so task ids that contain dots still resolve, then follows the rest
// of the path into that result.
func (r *run) lookup(tok Token) (cty.Value, bool) {
	segs := tok.Segments()
	for i := len(segs); i >= 1; i-- {
		id := strings.Join(segs[:i], ".")
		result, ok := r.results[id]
		if !ok {
			continue
		}
		path := segs[i:]
		if len(path) == 0 {
			return result.Object(), true
		}
		v, err := value.Navigate(result.Object(), path)
		if err != nil {
			r.warn(tok, id, err.Error())
			return cty.NilVal, false
		}
		return v, true
	}
	r.warn(tok, segs[0], fmt.Sprintf("task %q has no recorded result", segs[0]))
	return cty.NilVal, false
}

func (r *run) warn(tok Token, taskID, reason string) {
	r.warnings = append(r.warnings, Warning{
		Parameter: r.param,
		Token:     tok.Raw(),
		TaskID:    taskID,
		Reason:    reason,
	})
}

func collect(v cty.Value, fn func(string)) {
	if v.IsNull() || !v.IsKnown() {
		return
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		fn(v.AsString())
	case ty.IsObjectType() || ty.IsMapType() || ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			collect(elem, fn)
		}
	}
}

func sameType(values map[string]cty.Value) bool {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	elems := make([]cty.Value, len(keys))
	for i, key := range keys {
		elems[i] = values[key]
	}
	return sameTypeSlice(elems)
}

func sameTypeSlice(values []cty.Value) bool {
	if len(values) == 0 {
		return false
	}
	first := values[0].Type()
	for _, v := range values[1:] {
		if !v.Type().Equals(first) {
			return false
		}
	}
	return true
}
