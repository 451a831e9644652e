package executor

import (
	"context"

	"github.com/zclconf/go-cty/cty"
)

// EchoName is the registry name of the echo executor.
const EchoName = "echo"

// Echo returns its resolved parameters as output, plus the run target. It is
// useful for dry runs and for checking how references resolve.
type Echo struct{}

// Info describes the executor.
func (Echo) Info() Info {
	return Info{Name: EchoName, Description: "return parameters unchanged"}
}

// Execute copies the parameters. A "fail" parameter set to true reports
// failure with the "message" parameter as diagnostic.
func (Echo) Execute(_ context.Context, inv Invocation) (Result, error) {
	output := inv.Parameters.Clone()
	if fail, err := BoolParam(inv.Parameters, "fail", false); err == nil && fail {
		msg, _, _ := StringParam(inv.Parameters, "message")
		if msg == "" {
			msg = "echo asked to fail"
		}
		return Result{Output: output, Diagnostic: msg}, nil
	}
	if output == nil {
		output = map[string]cty.Value{}
	}
	if _, ok := output["target"]; !ok && inv.Target != "" {
		output["target"] = cty.StringVal(inv.Target)
	}
	return Succeeded(output), nil
}
