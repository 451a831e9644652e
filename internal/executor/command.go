package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/value"
)

const (
	// CommandName is the registry name of the external process executor.
	CommandName = "command"
	// DefaultShell runs string commands.
	DefaultShell = "/bin/sh"
	// maxDiagnosticBytes caps how much stderr is copied into the diagnostic.
	maxDiagnosticBytes = 4096
)

// CommandSettings configures the command executor.
type CommandSettings struct {
	// Allow lists program base names that may be executed. Empty allows all.
	Allow []string
	// Shell interprets the "command" parameter.
	Shell string
	// DefaultTimeout applies when the invocation carries none.
	DefaultTimeout time.Duration
}

// CommandSettingsFromConfig reads allow, shell, and default_timeout.
func CommandSettingsFromConfig(cfg Config) CommandSettings {
	return CommandSettings{
		Allow:          configStrings(cfg, "allow"),
		Shell:          configString(cfg, "shell", DefaultShell),
		DefaultTimeout: configDuration(cfg, "default_timeout", 0),
	}
}

// Command runs external programs. Parameters:
//
//	argv        list of program and arguments
//	command     shell command line, used when argv is absent
//	stdin       text written to the process
//	env         map of extra environment variables
//	parse_json  decode stdout as JSON into output "json"
//
// Output carries stdout, stderr, exit_code, and lines (non-empty stdout lines).
type Command struct {
	settings CommandSettings
}

// NewCommand constructs a command executor.
func NewCommand(settings CommandSettings) *Command {
	if settings.Shell == "" {
		settings.Shell = DefaultShell
	}
	return &Command{settings: settings}
}

// Info describes the executor.
func (c *Command) Info() Info {
	return Info{
		Name:        CommandName,
		Description: "run an external program and capture its output",
		Schema: map[string]cty.Type{
			"argv":       cty.List(cty.String),
			"command":    cty.String,
			"stdin":      cty.String,
			"parse_json": cty.Bool,
		},
	}
}

// Execute runs the process and waits for it to exit.
func (c *Command) Execute(ctx context.Context, inv Invocation) (Result, error) {
	argv, err := c.argv(inv.Parameters)
	if err != nil {
		return Failed("%v", err), nil
	}
	if !c.allowed(argv[0]) {
		return Failed("program %q is not in the allow list", argv[0]), nil
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.settings.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if inv.WorkDir != "" {
		if err := os.MkdirAll(inv.WorkDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("command: prepare work dir: %w", err)
		}
		cmd.Dir = inv.WorkDir
	}
	cmd.Env = append(os.Environ(), c.env(inv)...)
	extra, err := envParam(inv.Parameters)
	if err != nil {
		return Failed("%v", err), nil
	}
	cmd.Env = append(cmd.Env, extra...)
	if stdin, ok, err := StringParam(inv.Parameters, "stdin"); err != nil {
		return Failed("%v", err), nil
	} else if ok {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			exitCode = -1
		default:
			return Failed("start %s: %v", argv[0], runErr), nil
		}
	}
	output := value.Map{
		"stdout":    cty.StringVal(stdout.String()),
		"stderr":    cty.StringVal(stderr.String()),
		"exit_code": cty.NumberIntVal(int64(exitCode)),
		"lines":     linesValue(stdout.String()),
	}
	parseJSON, err := BoolParam(inv.Parameters, "parse_json", false)
	if err != nil {
		return Failed("%v", err), nil
	}
	if parseJSON && stdout.Len() > 0 {
		decoded, err := value.ParseJSON(bytes.TrimSpace(stdout.Bytes()))
		if err != nil {
			return Result{Output: output, Diagnostic: fmt.Sprintf("parse stdout: %v", err)}, nil
		}
		output["json"] = decoded
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Output: output, Diagnostic: fmt.Sprintf("%s timed out after %s", argv[0], timeout)}, nil
	}
	if exitCode != 0 {
		return Result{Output: output, Diagnostic: diagnostic(argv[0], exitCode, stderr.String())}, nil
	}
	return Result{Success: true, Output: output, Diagnostic: truncate(stderr.String())}, nil
}

func (c *Command) argv(params value.Map) ([]string, error) {
	argv, err := StringsParam(params, "argv")
	if err != nil {
		return nil, err
	}
	if len(argv) > 0 {
		return argv, nil
	}
	line, ok, err := StringParam(params, "command")
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("one of argv or command is required")
	}
	return []string{c.settings.Shell, "-c", line}, nil
}

func (c *Command) allowed(program string) bool {
	if len(c.settings.Allow) == 0 {
		return true
	}
	return slices.Contains(c.settings.Allow, filepath.Base(program))
}

func (c *Command) env(inv Invocation) []string {
	return []string{
		"RECONFLOW_RUN_ID=" + inv.RunID,
		"RECONFLOW_WORKFLOW_ID=" + inv.WorkflowID,
		"RECONFLOW_TASK_ID=" + inv.TaskID,
		"RECONFLOW_TARGET=" + inv.Target,
	}
}

func envParam(params value.Map) ([]string, error) {
	v, ok := params["env"]
	if !ok || v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("parameter env: expected map, got %s", ty.FriendlyName())
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		key, elem := it.Element()
		out = append(out, key.AsString()+"="+value.Render(elem))
	}
	return out, nil
}

func linesValue(text string) cty.Value {
	var lines []cty.Value
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, cty.StringVal(line))
		}
	}
	if len(lines) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	return cty.ListVal(lines)
}

func diagnostic(program string, exitCode int, stderr string) string {
	msg := fmt.Sprintf("%s exited with status %d", program, exitCode)
	if tail := truncate(strings.TrimSpace(stderr)); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func truncate(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return s[len(s)-maxDiagnosticBytes:]
}
