package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/reconflow/internal/history"
	"github.com/kingrea/reconflow/internal/workflow"
)

func historyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(historyListCmd(flags), historyShowCmd(flags))
	return cmd
}

func openHistory(flags *globalFlags) (*history.Store, func(), error) {
	env, err := loadEnvironment(flags, false)
	if err != nil {
		return nil, nil, err
	}
	if !env.cfg.HistoryEnabled() {
		env.Close()
		return nil, nil, fmt.Errorf("history is disabled in %s", env.cfg.ConfigPath())
	}
	store, err := history.Open(env.cfg.HistoryPath())
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		env.Close()
	}, nil
}

func historyListCmd(flags *globalFlags) *cobra.Command {
	var (
		opts   history.ListOptions
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openHistory(flags)
			if err != nil {
				return err
			}
			defer closeFn()
			opts.Status = workflow.RunStatus(status)
			runs, err := store.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tTASKS\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					run.RunID, run.WorkflowID, run.Status, run.Completed, run.Total,
					run.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "Only runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func historyShowCmd(flags *globalFlags) *cobra.Command {
	var (
		events bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run's tasks, and optionally its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openHistory(flags)
			if err != nil {
				return err
			}
			defer closeFn()
			detail, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON && !events {
				return writeJSON(out, detail)
			}
			if !asJSON {
				printDetail(out, detail)
			}
			if !events {
				return nil
			}
			stored, err := store.Events(cmd.Context(), args[0], 0, 0)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, map[string]any{"run": detail, "events": stored})
			}
			fmt.Fprintln(out, "\nEvents:")
			for _, event := range stored {
				fmt.Fprintf(out, "  %3d %s %-17s %s\n", event.Seq, event.Time.Local().Format(time.TimeOnly), event.Kind, event.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&events, "events", "e", false, "Include the recorded event stream")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printDetail(out io.Writer, detail *history.RunDetail) {
	run := detail.Run
	fmt.Fprintf(out, "Run:      %s\nWorkflow: %s\nStatus:   %s\n", run.RunID, run.WorkflowID, run.Status)
	if run.Target != "" {
		fmt.Fprintf(out, "Target:   %s\n", run.Target)
	}
	fmt.Fprintf(out, "Tasks:    %d completed, %d failed, %d blocked, %d cancelled of %d\n\n",
		run.Completed, run.Failed, run.Blocked, run.Cancelled, run.Total)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tEXECUTOR\tSTATUS\tDETAIL")
	for _, task := range detail.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", task.TaskID, task.Executor, task.Status, firstNonEmpty(task.Error, task.Diagnostic))
	}
	_ = tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
