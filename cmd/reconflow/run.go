package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/reconflow/internal/catalog"
	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/history"
	"github.com/kingrea/reconflow/internal/logbook"
	"github.com/kingrea/reconflow/internal/tui"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
	"github.com/kingrea/reconflow/internal/workflow/scheduler"
)

type runOptions struct {
	target string
	watch  bool
	json   bool
}

func runCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [file | workflow-id]",
		Short: "Execute a workflow and stream its progress",
		Long: `Run executes a workflow definition file, or a workflow from the project
catalog by id. Without an argument an interactive picker lists the catalog.

Events are printed as they happen; --json prints one JSON event per line and
--watch opens a live progress view. The exit status is 3 when the run does
not complete.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.watch && opts.json {
				return errors.New("--watch and --json are mutually exclusive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return executeRun(ctx, cmd.OutOrStdout(), flags, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target passed to every executor (overrides the definition)")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Show a live progress view")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print events as JSON lines")
	return cmd
}

func executeRun(ctx context.Context, out io.Writer, flags *globalFlags, opts *runOptions, args []string) error {
	env, err := loadEnvironment(flags, true)
	if err != nil {
		return err
	}
	defer env.Close()

	g, err := resolveGraph(ctx, env, args)
	if err != nil {
		return err
	}
	if g.ID == "" {
		return nil
	}
	if opts.target != "" {
		g.Target = opts.target
	}

	router := newRouter(env.logger.Logger)
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	logbooks := logbook.NewRecorder(env.cfg.RunsDir())
	router.Attach(sinkCtx, "logbook", logbooks)
	if env.cfg.HistoryEnabled() {
		store, err := history.Open(env.cfg.HistoryPath())
		if err != nil {
			return err
		}
		defer store.Close()
		router.Attach(sinkCtx, "history", history.NewRecorder(store))
	}
	closeNATS, err := env.attachNATS(sinkCtx, router)
	if err != nil {
		return err
	}
	defer closeNATS()

	eng, err := env.engine(ctx, router)
	if err != nil {
		return err
	}
	h, err := eng.Start(ctx, g)
	if err != nil {
		return err
	}
	env.logger.Info("run started", "run_id", h.RunID, "workflow_id", h.WorkflowID, "target", g.Target)
	sub := eng.Subscribe(h)
	defer sub.Close()

	switch {
	case opts.watch:
		book, _ := logbooks.Book(h.RunID)
		watch := tui.NewWatch(eng.Status(h), sub.Events,
			tui.WithCancel(func() { eng.Cancel(h) }),
			tui.WithOrder(scheduler.Order(h.Graph())),
			tui.WithLogbook(book),
		)
		if _, err := tui.RunWatch(ctx, watch); err != nil {
			eng.Cancel(h)
			return err
		}
	case opts.json:
		if err := printJSON(out, sub); err != nil {
			return err
		}
	default:
		printEvents(out, sub)
	}

	run, err := eng.Wait(context.WithoutCancel(ctx), h)
	if err != nil {
		return err
	}
	// Drain the sinks so history and the logbook hold the final events.
	router.Close()
	if !opts.json {
		printSummary(out, run)
	}
	if run.Status != workflow.RunCompleted {
		return &runError{runID: run.RunID, status: string(run.Status)}
	}
	return nil
}

// resolveGraph loads the workflow named by args. A zero Graph means the user
// dismissed the picker.
func resolveGraph(ctx context.Context, env *environment, args []string) (workflow.Graph, error) {
	if len(args) == 1 {
		if _, err := os.Stat(args[0]); err == nil {
			return workflow.LoadGraphFile(args[0])
		}
	}
	cat := catalog.New(env.cfg.WorkflowsDir(), catalog.WithLogger(env.logger.Logger))
	if err := cat.Reload(); err != nil {
		return workflow.Graph{}, err
	}
	for path, problem := range cat.Problems() {
		env.logger.Warn("skipping workflow definition", "path", path, "problem", problem)
	}
	if len(args) == 1 {
		g, err := cat.Get(args[0])
		if errors.Is(err, catalog.ErrNotFound) {
			return workflow.Graph{}, fmt.Errorf("%q is neither a file nor a workflow in %s", args[0], cat.Dir())
		}
		return g, err
	}
	id, err := tui.PickWorkflow(ctx, cat.List())
	if err != nil || id == "" {
		return workflow.Graph{}, err
	}
	return cat.Get(id)
}

func printEvents(out io.Writer, sub eventbridge.Subscription) {
	for event := range sub.Events {
		if event.Kind == lifecycle.KindProgress {
			continue
		}
		fmt.Fprintf(out, "%s %-17s %s\n", event.Time.Format("15:04:05"), event.Kind, event.Message)
	}
}

func printJSON(out io.Writer, sub eventbridge.Subscription) error {
	enc := json.NewEncoder(out)
	for event := range sub.Events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

func printSummary(out io.Writer, run workflow.WorkflowRun) {
	fmt.Fprintf(out, "\nRun %s %s: %d/%d completed, %d failed, %d blocked, %d cancelled\n",
		run.RunID, run.Status, run.Completed, run.Total(), run.Failed, run.Blocked, run.Cancelled)
	for _, task := range run.Tasks {
		switch task.Status {
		case workflow.TaskFailed:
			fmt.Fprintf(out, "  %s failed: %s\n", task.TaskID, firstNonEmpty(task.Error, task.Diagnostic))
		case workflow.TaskBlocked:
			fmt.Fprintf(out, "  %s blocked: %s\n", task.TaskID, task.Diagnostic)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
