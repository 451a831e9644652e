package executor

import (
	"time"
)

// BuiltinOptions configures the executors installed by RegisterBuiltins.
type BuiltinOptions struct {
	// OutputDir is where relative output files land when an invocation
	// carries no work dir.
	OutputDir string
	Clock     func() time.Time
}

// RegisterBuiltins installs command, merge, file_output, json_aggregate, and
// echo. Executor settings come from Registry.Configure.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	factories := map[string]Factory{
		CommandName: func(cfg Config) (Executor, error) {
			return NewCommand(CommandSettingsFromConfig(cfg)), nil
		},
		MergeName: func(Config) (Executor, error) {
			return Merge{}, nil
		},
		FileOutputName: func(cfg Config) (Executor, error) {
			return NewFileOutput(configString(cfg, "base_dir", opts.OutputDir)), nil
		},
		AggregateName: func(cfg Config) (Executor, error) {
			return NewAggregate(configString(cfg, "base_dir", opts.OutputDir), opts.Clock), nil
		},
		EchoName: func(Config) (Executor, error) {
			return Echo{}, nil
		},
	}
	for _, name := range []string{CommandName, MergeName, FileOutputName, AggregateName, EchoName} {
		if err := r.Register(name, factories[name]); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry with the builtins installed.
func NewBuiltinRegistry(opts BuiltinOptions) *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r, opts); err != nil {
		panic(err)
	}
	return r
}
