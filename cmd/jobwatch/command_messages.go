package main

import (
	"jobwatch/internal/job"

	"github.com/spf13/cobra"
)

type messagesOutput struct {
	Messages []job.Message `json:"messages"`
}

type autoscalingEventsOutput struct {
	AutoscalingEvents []job.AutoscalingEvent `json:"autoscalingEvents"`
}

func registerMessagesCommand(root *cobra.Command, opts *rootOptions) {
	root.AddCommand(&cobra.Command{
		Use:   "messages JOB_ID",
		Short: "List every message logged by a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeAPI, err := opts.newController(cmd, nil, args[0])
			if err != nil {
				return err
			}
			defer closeAPI()

			messages, err := ctrl.FetchJobMessagesByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd, messagesOutput{Messages: messages})
		},
	})
}

func registerAutoscalingEventsCommand(root *cobra.Command, opts *rootOptions) {
	root.AddCommand(&cobra.Command{
		Use:     "autoscaling-events JOB_ID",
		Aliases: []string{"autoscaling"},
		Short:   "List the autoscaling events of a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeAPI, err := opts.newController(cmd, nil, args[0])
			if err != nil {
				return err
			}
			defer closeAPI()

			events, err := ctrl.FetchJobAutoscalingEventsByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd, autoscalingEventsOutput{AutoscalingEvents: events})
		},
	})
}

func registerMetricsCommand(root *cobra.Command, opts *rootOptions) {
	root.AddCommand(&cobra.Command{
		Use:   "metrics JOB_ID",
		Short: "Show the latest metric updates of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeAPI, err := opts.newController(cmd, nil, args[0])
			if err != nil {
				return err
			}
			defer closeAPI()

			metrics, err := ctrl.FetchJobMetricsByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd, metrics)
		},
	})
}
