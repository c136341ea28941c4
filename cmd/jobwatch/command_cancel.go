package main

import (
	"jobwatch/internal/job"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func registerCancelCommand(root *cobra.Command, opts *rootOptions) {
	jo := &jobOptions{}
	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel or drain the tracked jobs and wait until they stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, closeAPI, err := opts.newController(cmd, jo, "")
			if err != nil {
				return err
			}
			defer closeAPI()

			if err := ctrl.Cancel(ctx); err != nil {
				return err
			}
			jobs, err := ctrl.GetJobs(ctx, true)
			if err != nil {
				return err
			}
			return opts.print(cmd, jobsOutput{Jobs: jobs})
		},
	}
	addJobFlags(cancelCmd, jo)
	cancelCmd.Flags().BoolVar(&jo.drain, "drain", false, "Drain streaming jobs instead of cancelling them")
	cancelCmd.Flags().DurationVar(&jo.cancelTimeout, "cancel-timeout", job.DefaultCancelTimeout, "How long to wait for the jobs to stop (0 waits forever)")
	root.AddCommand(cancelCmd)
}
