package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

// AggregateName is the registry name of the JSON aggregation executor.
const AggregateName = "json_aggregate"

// Aggregate assembles a report object from named sections. Parameters:
//
//	sections          map of section name to value
//	include_metadata  add a metadata section (default true)
//	output_file       optional file the report is written to as JSON
type Aggregate struct {
	files *FileOutput
	clock func() time.Time
}

// NewAggregate constructs the executor.
func NewAggregate(baseDir string, clock func() time.Time) *Aggregate {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregate{files: NewFileOutput(baseDir), clock: clock}
}

// Info describes the executor.
func (a *Aggregate) Info() Info {
	return Info{
		Name:        AggregateName,
		Description: "combine task results into a single JSON report",
		Schema: map[string]cty.Type{
			"sections":         cty.Map(cty.DynamicPseudoType),
			"include_metadata": cty.Bool,
			"output_file":      cty.String,
		},
	}
}

// Execute builds the report.
func (a *Aggregate) Execute(_ context.Context, inv Invocation) (Result, error) {
	sections := map[string]any{}
	if raw, ok := inv.Parameters["sections"]; ok && !raw.IsNull() {
		ty := raw.Type()
		if !ty.IsObjectType() && !ty.IsMapType() {
			return Failed("sections: expected map, got %s", ty.FriendlyName()), nil
		}
		sections, _ = value.ToGo(raw).(map[string]any)
	}
	includeMeta, err := BoolParam(inv.Parameters, "include_metadata", true)
	if err != nil {
		return Failed("%v", err), nil
	}
	report := make(map[string]any, len(sections)+1)
	for name, section := range sections {
		report[name] = section
	}
	if includeMeta {
		report["metadata"] = map[string]any{
			"generated_at":   a.clock().Format(time.RFC3339),
			"workflow_id":    inv.WorkflowID,
			"run_id":         inv.RunID,
			"target":         inv.Target,
			"total_sections": len(sections),
		}
	}
	reportValue, err := value.FromGo(report)
	if err != nil {
		return Result{}, fmt.Errorf("json_aggregate: encode report: %w", err)
	}
	output := value.Map{
		"report":           reportValue,
		"sections_written": cty.NumberIntVal(int64(len(sections))),
	}
	target, ok, err := StringParam(inv.Parameters, "output_file")
	if err != nil {
		return Failed("%v", err), nil
	}
	if ok && target != "" {
		path := a.files.resolvePath(inv, target)
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("json_aggregate: encode: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Failed("create directory for %s: %v", path, err), nil
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return Failed("write %s: %v", path, err), nil
		}
		output["output_file"] = cty.StringVal(path)
	}
	return Succeeded(output), nil
}
