package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/reconflow/internal/config"
	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/logging"
	"github.com/kingrea/reconflow/internal/policy"
	"github.com/kingrea/reconflow/internal/workflow/engine"
	"github.com/kingrea/reconflow/plugins"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	project   string
	logLevel  string
	logFormat string
}

// runError marks a workflow that finished without completing. main exits
// with status 3 for it so scripts can tell it apart from usage errors.
type runError struct {
	runID  string
	status string
}

func (e *runError) Error() string {
	return fmt.Sprintf("run %s finished %s", e.runID, e.status)
}

func exitCode(err error) int {
	var re *runError
	if errors.As(err, &re) {
		return 3
	}
	return 1
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dependency-ordered recon workflow runner",
		Long: `reconflow executes workflows: graphs of tasks connected by dependencies.
Each task runs a named executor once its dependencies completed, and its
parameters may reference earlier results with ${task_id.field} tokens.

Workflows are YAML, JSON, or HCL files. Project settings live in
.reconflow/config.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.project, "project", "p", ".", "Project directory holding .reconflow/")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json); overrides config")

	cmd.AddCommand(
		initCmd(flags),
		runCmd(flags),
		validateCmd(),
		serveCmd(flags),
		historyCmd(flags),
		executorsCmd(flags),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func initCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .reconflow/ with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitProjectDir(flags.project); err != nil {
				return fmt.Errorf("init project: %w", err)
			}
			cfg, err := config.Load(flags.project)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.StateDir)
			return nil
		},
	}
}

// environment is what every command that runs workflows needs.
type environment struct {
	cfg    *config.Config
	logger *logging.Logger
}

func loadEnvironment(flags *globalFlags, logToFile bool) (*environment, error) {
	cfg, err := config.Load(flags.project)
	if err != nil {
		return nil, err
	}
	opts := logging.Options{
		Level:  cfg.Project.Log.Level,
		Format: cfg.Project.Log.Format,
		Writer: os.Stderr,
	}
	if flags.logLevel != "" {
		opts.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		opts.Format = flags.logFormat
	}
	if logToFile {
		opts.Dir = cfg.LogsDir()
	}
	logger, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger}, nil
}

func (env *environment) Close() {
	_ = env.logger.Close()
}

// registry installs the builtin executors and the project's tool plugins,
// then applies their project settings.
func (env *environment) registry() (*executor.Registry, error) {
	reg := executor.NewBuiltinRegistry(executor.BuiltinOptions{OutputDir: env.cfg.RunsDir()})
	tools, err := plugins.RegisterTools(reg, env.cfg.ToolsDir())
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		env.logger.Debug("registered tool plugins", "dir", env.cfg.ToolsDir(), "count", len(tools))
	}
	for _, name := range reg.Names() {
		if settings := env.cfg.ExecutorConfig(name); settings != nil {
			reg.Configure(name, executor.Config(settings))
		}
	}
	return reg, nil
}

func (env *environment) engine(ctx context.Context, router *eventbridge.Router) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithLogger(env.logger.Logger),
		engine.WithRouter(router),
		engine.WithStateStore(engine.NewRepository(env.cfg.RunsDir())),
		engine.WithRunsDir(env.cfg.RunsDir()),
	}
	if env.cfg.Project.Policy.Enabled {
		p, err := policy.Load(ctx, env.cfg.Project.Policy.File)
		if err != nil {
			return nil, err
		}
		env.logger.Debug("dispatch policy loaded", "file", env.cfg.Project.Policy.File)
		opts = append(opts, engine.WithPolicy(p))
	}
	reg, err := env.registry()
	if err != nil {
		return nil, err
	}
	return engine.New(reg, opts...)
}

// attachNATS publishes every event to NATS when the project enables it. The
// returned function closes the connection.
func (env *environment) attachNATS(ctx context.Context, router *eventbridge.Router) (func(), error) {
	settings := env.cfg.Project.NATS
	if !settings.Enabled {
		return func() {}, nil
	}
	conn, err := eventbridge.ConnectNATS(settings.URL)
	if err != nil {
		return nil, err
	}
	router.Attach(ctx, "nats", eventbridge.NewNATSPublisher(conn, settings.SubjectPrefix))
	env.logger.Info("publishing events to nats", "url", settings.URL, "prefix", settings.SubjectPrefix)
	return func() {
		if err := conn.Drain(); err != nil {
			env.logger.Warn("nats drain", "error", err)
		}
	}, nil
}

func newRouter(logger *slog.Logger) *eventbridge.Router {
	return eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))
}
