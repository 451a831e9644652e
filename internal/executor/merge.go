package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

// MergeName is the registry name of the merge executor.
const MergeName = "merge"

// Merge strategies.
const (
	MergeCombine = "combine"
	MergeReplace = "replace"
	MergeAppend  = "append"
)

// DefaultDedupeKey identifies duplicate objects when merging.
const DefaultDedupeKey = "name"

// Merge concatenates lists produced by earlier tasks. Parameters:
//
//	sources     list of lists to merge
//	dedupe_key  object field identifying duplicates (default "name")
//	strategy    combine (default), replace, or append
//
// combine unions list fields and joins differing strings of duplicate
// objects, replace keeps the last duplicate, append keeps everything. Plain
// strings are deduplicated by value under combine and replace.
type Merge struct{}

// Info describes the executor.
func (Merge) Info() Info {
	return Info{
		Name:        MergeName,
		Description: "merge and deduplicate lists from previous tasks",
		Schema: map[string]cty.Type{
			"sources":    cty.List(cty.DynamicPseudoType),
			"dedupe_key": cty.String,
			"strategy":   cty.String,
		},
	}
}

// Execute merges the sources.
func (Merge) Execute(_ context.Context, inv Invocation) (Result, error) {
	sources, err := ListParam(inv.Parameters, "sources")
	if err != nil {
		return Failed("%v", err), nil
	}
	key, ok, err := StringParam(inv.Parameters, "dedupe_key")
	if err != nil {
		return Failed("%v", err), nil
	}
	if !ok || key == "" {
		key = DefaultDedupeKey
	}
	strategy, ok, err := StringParam(inv.Parameters, "strategy")
	if err != nil {
		return Failed("%v", err), nil
	}
	if !ok || strategy == "" {
		strategy = MergeCombine
	}
	if !slices.Contains([]string{MergeCombine, MergeReplace, MergeAppend}, strategy) {
		return Failed("strategy must be one of combine, replace, append; got %q", strategy), nil
	}

	var combined []any
	for i, source := range sources {
		if source.IsNull() {
			continue
		}
		if !value.IsSequence(source.Type()) {
			return Failed("sources[%d]: expected list, got %s", i, source.Type().FriendlyName()), nil
		}
		items, _ := value.ToGo(source).([]any)
		combined = append(combined, items...)
	}
	merged := MergeItems(combined, key, strategy)
	items, err := value.FromGo(merged)
	if err != nil {
		return Result{}, fmt.Errorf("merge: encode items: %w", err)
	}
	return Succeeded(value.Map{
		"items": items,
		"count": cty.NumberIntVal(int64(len(merged))),
	}), nil
}

// MergeItems applies a merge strategy to plain Go items.
func MergeItems(items []any, key, strategy string) []any {
	if strategy == MergeAppend {
		out := make([]any, len(items))
		copy(out, items)
		return out
	}
	var (
		order []string
		seen  = map[string]any{}
	)
	for _, item := range items {
		id, ok := itemKey(item, key)
		if !ok {
			continue
		}
		existing, dup := seen[id]
		if !dup {
			order = append(order, id)
			seen[id] = copyItem(item)
			continue
		}
		if strategy == MergeReplace {
			seen[id] = copyItem(item)
			continue
		}
		seen[id] = combineItems(existing, item)
	}
	out := make([]any, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}

func itemKey(item any, key string) (string, bool) {
	switch typed := item.(type) {
	case string:
		return typed, typed != ""
	case map[string]any:
		raw, ok := typed[key]
		if !ok || raw == nil {
			return "", false
		}
		id := fmt.Sprint(raw)
		return id, id != ""
	case nil:
		return "", false
	}
	return fmt.Sprint(item), true
}

func copyItem(item any) any {
	obj, ok := item.(map[string]any)
	if !ok {
		return item
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func combineItems(existing, incoming any) any {
	left, ok := existing.(map[string]any)
	right, ok2 := incoming.(map[string]any)
	if !ok || !ok2 {
		return existing
	}
	for field, next := range right {
		current, present := left[field]
		if !present || current == nil {
			left[field] = next
			continue
		}
		switch cur := current.(type) {
		case []any:
			if more, ok := next.([]any); ok {
				left[field] = unionList(cur, more)
			}
		case string:
			if more, ok := next.(string); ok && more != "" {
				left[field] = joinUnique(cur, more)
			}
		}
	}
	return left
}

func unionList(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	seen := map[string]bool{}
	for _, item := range append(append([]any{}, a...), b...) {
		id := fmt.Sprint(item)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, item)
	}
	return out
}

func joinUnique(current, next string) string {
	if current == "" {
		return next
	}
	parts := strings.Split(current, ",")
	if slices.Contains(parts, next) {
		return current
	}
	return current + "," + next
}
