package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

// FileOutputName is the registry name of the file output executor.
const FileOutputName = "file_output"

// FileOutput writes data from earlier tasks to a file. Parameters:
//
//	data           value to write; non-lists are wrapped in a list
//	extract_field  pull one field out of every object item
//	output_file    destination; relative paths land in the run directory
//	format         txt (one item per line, default) or json
//	append         append instead of truncating (txt only)
type FileOutput struct {
	baseDir string
}

// NewFileOutput constructs the executor. Relative paths resolve against the
// invocation work dir, or baseDir when the invocation carries none.
func NewFileOutput(baseDir string) *FileOutput {
	return &FileOutput{baseDir: baseDir}
}

// Info describes the executor.
func (f *FileOutput) Info() Info {
	return Info{
		Name:        FileOutputName,
		Description: "write task data to a text or JSON file",
		Schema: map[string]cty.Type{
			"data":          cty.List(cty.DynamicPseudoType),
			"extract_field": cty.String,
			"output_file":   cty.String,
			"format":        cty.String,
			"append":        cty.Bool,
		},
	}
}

// Execute writes the file.
func (f *FileOutput) Execute(_ context.Context, inv Invocation) (Result, error) {
	target, ok, err := StringParam(inv.Parameters, "output_file")
	if err != nil {
		return Failed("%v", err), nil
	}
	if !ok || strings.TrimSpace(target) == "" {
		return Failed("output_file is required"), nil
	}
	format, _, err := StringParam(inv.Parameters, "format")
	if err != nil {
		return Failed("%v", err), nil
	}
	if format == "" {
		format = "txt"
	}
	if format != "txt" && format != "json" {
		return Failed("format must be txt or json; got %q", format), nil
	}
	appendMode, err := BoolParam(inv.Parameters, "append", false)
	if err != nil {
		return Failed("%v", err), nil
	}
	field, _, err := StringParam(inv.Parameters, "extract_field")
	if err != nil {
		return Failed("%v", err), nil
	}
	items := ExtractField(toItems(inv.Parameters["data"]), field)

	path := f.resolvePath(inv, target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Failed("create directory for %s: %v", path, err), nil
	}
	if format == "json" {
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("file_output: encode: %w", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return Failed("write %s: %v", path, err), nil
		}
	} else if err := writeLines(path, items, appendMode); err != nil {
		return Failed("write %s: %v", path, err), nil
	}
	return Succeeded(value.Map{
		"output_file":   cty.StringVal(path),
		"items_written": cty.NumberIntVal(int64(len(items))),
	}), nil
}

func (f *FileOutput) resolvePath(inv Invocation, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	base := inv.WorkDir
	if base == "" {
		base = f.baseDir
	}
	return filepath.Join(base, target)
}

// ExtractField replaces object items with one of their fields. Objects without
// the field are dropped; other items pass through.
func ExtractField(items []any, field string) []any {
	if field == "" {
		return items
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		if v, ok := obj[field]; ok {
			out = append(out, v)
		}
	}
	return out
}

func toItems(v cty.Value) []any {
	if v.IsNull() {
		return []any{}
	}
	raw := value.ToGo(v)
	if list, ok := raw.([]any); ok {
		return list
	}
	return []any{raw}
}

func writeLines(path string, items []any, appendMode bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(lineOf(item))
		sb.WriteByte('\n')
	}
	if _, err := file.WriteString(sb.String()); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func lineOf(item any) string {
	switch typed := item.(type) {
	case string:
		return typed
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(data)
	}
	return fmt.Sprint(item)
}
