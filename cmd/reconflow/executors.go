package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func executorsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "List registered executors and their typed parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(flags, false)
			if err != nil {
				return err
			}
			defer env.Close()
			reg, err := env.registry()
			if err != nil {
				return err
			}
			infos, err := reg.Describe()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION\tPARAMETERS")
			for _, info := range infos {
				params := make([]string, 0, len(info.Schema))
				for name, ty := range info.Schema {
					params = append(params, name+":"+ty.FriendlyName())
				}
				sort.Strings(params)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, info.Description, strings.Join(params, " "))
			}
			return tw.Flush()
		},
	}
}
