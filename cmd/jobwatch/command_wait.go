package main

import (
	"jobwatch/internal/job"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// jobsOutput is the result of commands that report tracked jobs.
type jobsOutput struct {
	Jobs []job.Job `json:"jobs"`
}

func registerWaitCommand(root *cobra.Command, opts *rootOptions) {
	jo := &jobOptions{}
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll until the tracked jobs reach their expected terminal state",
		Long: "Poll until every tracked job reaches its expected terminal state. " +
			"Exits non-zero as soon as any job ends in an unexpected state.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, closeAPI, err := opts.newController(cmd, jo, "")
			if err != nil {
				return err
			}
			defer closeAPI()

			if err := ctrl.WaitForDone(ctx); err != nil {
				return err
			}
			jobs, err := ctrl.GetJobs(ctx, false)
			if err != nil {
				return err
			}
			return opts.print(cmd, jobsOutput{Jobs: jobs})
		},
	}
	addJobFlags(waitCmd, jo)
	root.AddCommand(waitCmd)
}
