package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyAllows(t *testing.T) {
	eng, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	d, err := eng.Authorize(context.Background(), Input{TaskID: "a", Executor: "command"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestExamplePolicyDeniesCommandWithoutTarget(t *testing.T) {
	ctx := context.Background()
	eng, err := NewEngine(ctx, ExamplePolicy)
	require.NoError(t, err)

	d, err := eng.Authorize(ctx, Input{TaskID: "scan", Executor: "command"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "command tasks need a target", d.Reason)

	d, err = eng.Authorize(ctx, Input{TaskID: "scan", Executor: "command", Target: "example.com"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestPolicyCanInspectParameters(t *testing.T) {
	module := `
package reconflow.dispatch

default decision = "allow"

decision = "deny" {
	input.parameters.ports[_] == 22
}
`
	ctx := context.Background()
	eng, err := NewEngine(ctx, module)
	require.NoError(t, err)

	d, err := eng.Authorize(ctx, Input{Executor: "echo", Parameters: map[string]any{"ports": []any{int64(80), int64(22)}}})
	require.NoError(t, err)
	assert.False(t, d.Allowed())

	d, err = eng.Authorize(ctx, Input{Executor: "echo"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestUnknownDecisionIsAnError(t *testing.T) {
	module := `
package reconflow.dispatch

decision = "maybe"
`
	ctx := context.Background()
	eng, err := NewEngine(ctx, module)
	require.NoError(t, err)

	_, err = eng.Authorize(ctx, Input{})
	assert.Error(t, err)
}

func TestInvalidModule(t *testing.T) {
	_, err := NewEngine(context.Background(), "package reconflow.dispatch\n\ndecision = {")
	assert.Error(t, err)
}

func TestLoadFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	eng, err := Load(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	require.NoError(t, err)
	d, err := eng.Authorize(ctx, Input{Executor: "command"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(ExamplePolicy), 0o644))
	eng, err = Load(ctx, path)
	require.NoError(t, err)
	d, err = eng.Authorize(ctx, Input{Executor: "command"})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
}
