package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/resolver"
	"github.com/kingrea/reconflow/internal/workflow/scheduler"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				g, err := workflow.LoadGraphFile(path)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "Invalid: %s\n- %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "OK: %s (%s, %d tasks)\n", path, g.ID, len(g.Tasks))
				fmt.Fprintf(out, "  order: %s\n", strings.Join(scheduler.Order(g), " → "))
				for _, note := range referenceNotes(g) {
					fmt.Fprintf(out, "  note: %s\n", note)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definition(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}

// referenceNotes flags tokens naming tasks that are not declared
// dependencies. They still resolve at run time if the task happens to have
// completed, but usually point at a missing depends_on entry.
func referenceNotes(g workflow.Graph) []string {
	var notes []string
	for _, task := range g.Tasks {
		deps := make(map[string]struct{}, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			deps[dep] = struct{}{}
		}
		for _, ref := range resolver.References(task.Parameters) {
			if _, ok := deps[ref.TaskID]; ok {
				continue
			}
			if _, ok := g.Task(ref.TaskID); ok {
				notes = append(notes, fmt.Sprintf("%s.%s references %s without depending on it", task.ID, ref.Parameter, ref.TaskID))
			}
		}
	}
	return notes
}
