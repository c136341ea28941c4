package main

import (
	"fmt"
	"jobwatch/internal/job"

	"github.com/spf13/cobra"
)

func registerNameCommand(root *cobra.Command) {
	var suffix bool
	nameCmd := &cobra.Command{
		Use:   "name NAME",
		Short: "Normalize a job name for submission",
		Long:  "Lower-case NAME, replace underscores with hyphens and check it is a valid job name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := job.BuildName(args[0], suffix)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}
	nameCmd.Flags().BoolVar(&suffix, "suffix", false, "Append a random 8-character suffix")
	root.AddCommand(nameCmd)
}
