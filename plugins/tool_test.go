package plugins

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/value"
)

func mustTool(t *testing.T, def ToolDefinition) *Tool {
	t.Helper()
	tool, err := NewTool(def, executor.CommandSettings{})
	if err != nil {
		t.Fatalf("new tool: %v", err)
	}
	return tool
}

func run(t *testing.T, tool *Tool, target string, params value.Map) executor.Result {
	t.Helper()
	res, err := tool.Execute(context.Background(), executor.Invocation{
		RunID:      "run-1",
		TaskID:     "task",
		Target:     target,
		Parameters: params,
		WorkDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func itemStrings(t *testing.T, v cty.Value) []string {
	t.Helper()
	var out []string
	for _, item := range value.ToGo(v).([]any) {
		out = append(out, item.(string))
	}
	return out
}

func TestToolArgvExpansion(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "nmap",
		Version:    "7",
		Executable: "nmap",
		Args:       []string{"-sV", "{target}"},
		Options: map[string][]string{
			"ports":   {"-p", "{ports}"},
			"scripts": {"--script={scripts}"},
			"udp":     {"-sU"},
			"verbose": {"-v"},
		},
		Parameters: map[string]ParameterSpec{
			"ports":   {Type: TypeList},
			"scripts": {Type: TypeList},
			"udp":     {Type: TypeBool},
			"verbose": {Type: TypeBool, Default: false},
		},
	})
	params, err := tool.bind(value.Map{
		"ports":   value.MustFromGo([]any{"22", "443"}),
		"scripts": value.MustFromGo([]any{"http-title", "ssl-cert"}),
		"udp":     cty.True,
		"ignored": cty.StringVal("x"),
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, ok := params["ignored"]; ok {
		t.Fatalf("undeclared parameter should be dropped")
	}
	argv, err := tool.argv(params, "example.com")
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := "nmap -sV example.com -p 22 443 --script=http-title,ssl-cert -sU"
	if got := strings.Join(argv, " "); got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestToolRequiredParameter(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "needs",
		Version:    "1",
		Executable: "true",
		Args:       []string{"{wordlist}"},
		Parameters: map[string]ParameterSpec{"wordlist": {Required: true}},
	})
	res := run(t, tool, "example.com", nil)
	if res.Success || !strings.Contains(res.Diagnostic, "wordlist is required") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestToolLinesOutput(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "lines",
		Version:    "1",
		Executable: "sh",
		Args:       []string{"-c", "printf 'a.{target}\\nb.{target}\\na.{target}\\n\\n'"},
		Output:     OutputSpec{Unique: true},
	})
	res := run(t, tool, "example.com", nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	items := itemStrings(t, res.Output["items"])
	if strings.Join(items, ",") != "a.example.com,b.example.com" {
		t.Fatalf("items = %v", items)
	}
	if value.ToGo(res.Output["count"]) != int64(2) {
		t.Fatalf("count = %#v", value.ToGo(res.Output["count"]))
	}
	if value.ToGo(res.Output["exit_code"]) != int64(0) {
		t.Fatalf("exit_code = %#v", res.Output["exit_code"])
	}
}

func TestToolJSONLFieldWithStdin(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "probe",
		Version:    "1",
		Executable: "sh",
		Args:       []string{"-c", `while read h; do printf '{"url":"https://%s","status":200}\n' "$h"; done; echo '{"status":0}'`},
		Stdin:      "hosts",
		Parameters: map[string]ParameterSpec{"hosts": {Type: TypeList, Required: true}},
		Output:     OutputSpec{Format: FormatJSONL, Field: "url"},
	})
	res := run(t, tool, "", value.Map{"hosts": value.MustFromGo([]any{"a.example.com", "b.example.com"})})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	items := itemStrings(t, res.Output["items"])
	if strings.Join(items, ",") != "https://a.example.com,https://b.example.com" {
		t.Fatalf("items = %v", items)
	}
}

func TestToolJSONOutput(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "json",
		Version:    "1",
		Executable: "sh",
		Args:       []string{"-c", `echo '[{"port":22},{"port":443}]'`},
		Output:     OutputSpec{Format: FormatJSON, Field: "port"},
	})
	res := run(t, tool, "", nil)
	got := value.ToGo(res.Output["items"]).([]any)
	if len(got) != 2 || got[1] != int64(443) {
		t.Fatalf("items = %#v", got)
	}
}

func TestToolParseFailureIsReported(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "broken",
		Version:    "1",
		Executable: "sh",
		Args:       []string{"-c", "echo not-json"},
		Output:     OutputSpec{Format: FormatJSONL},
	})
	res := run(t, tool, "", nil)
	if res.Success || !strings.Contains(res.Diagnostic, "parse output") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output["stdout"].AsString() != "not-json\n" {
		t.Fatalf("stdout should be kept: %#v", res.Output["stdout"])
	}
}

func TestToolNonZeroExit(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "exit",
		Version:    "1",
		Executable: "sh",
		Args:       []string{"-c", "echo boom >&2; exit 3"},
	})
	res := run(t, tool, "", nil)
	if res.Success || !strings.Contains(res.Diagnostic, "status 3") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := res.Output["items"]; ok {
		t.Fatalf("failed runs should not carry items")
	}
}

func TestToolAllowList(t *testing.T) {
	tool, err := NewTool(ToolDefinition{ID: "denied", Version: "1", Executable: "sh"}, executor.CommandSettings{Allow: []string{"nmap"}})
	if err != nil {
		t.Fatalf("new tool: %v", err)
	}
	res := run(t, tool, "", nil)
	if res.Success || !strings.Contains(res.Diagnostic, "allow list") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestToolInfo(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:          "subfinder",
		Version:     "1",
		Category:    "enumeration",
		Description: "passive subdomain discovery",
		Executable:  "subfinder",
		Parameters:  map[string]ParameterSpec{"all": {Type: TypeBool}},
	})
	info := tool.Info()
	if info.Name != "subfinder" || info.Description != "[enumeration] passive subdomain discovery" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Schema["all"] != cty.Bool {
		t.Fatalf("unexpected schema: %#v", info.Schema)
	}
}

func TestToolTimeoutCapsInvocation(t *testing.T) {
	tool := mustTool(t, ToolDefinition{
		ID:         "slow",
		Version:    "1",
		Executable: "sleep",
		Args:       []string{"5"},
		Timeout:    "100ms",
	})
	res, err := tool.Execute(context.Background(), executor.Invocation{TaskID: "slow", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Diagnostic, "timed out after 100ms") {
		t.Fatalf("unexpected result: %+v", res)
	}
}
