package main

import "github.com/spf13/cobra"

// runningOutput is the result of the running command.
type runningOutput struct {
	Running bool `json:"running"`
}

func registerStatusCommand(root *cobra.Command, opts *rootOptions) {
	jo := &jobOptions{}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current state of the tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeAPI, err := opts.newController(cmd, jo, "")
			if err != nil {
				return err
			}
			defer closeAPI()

			jobs, err := ctrl.GetJobs(cmd.Context(), true)
			if err != nil {
				return err
			}
			return opts.print(cmd, jobsOutput{Jobs: jobs})
		},
	}
	addJobFlags(statusCmd, jo)
	root.AddCommand(statusCmd)
}

func registerRunningCommand(root *cobra.Command, opts *rootOptions) {
	jo := &jobOptions{}
	runningCmd := &cobra.Command{
		Use:   "running",
		Short: "Report whether any tracked job has not reached a terminal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeAPI, err := opts.newController(cmd, jo, "")
			if err != nil {
				return err
			}
			defer closeAPI()

			running, err := ctrl.IsJobRunning(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, runningOutput{Running: running})
		},
	}
	addJobFlags(runningCmd, jo)
	root.AddCommand(runningCmd)
}
