package main

import (
	"io"
	"jobwatch/internal/backend/dataflow"
	"jobwatch/internal/backend/docker"
	"jobwatch/internal/config"
	"jobwatch/internal/job"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	backend    string
	endpoint   string
	tokenFile  string
	numRetries int
	projectID  string
	location   string
	output     string
	debug      bool

	session *config.SessionFile
}

// jobOptions selects the tracked jobs of wait, cancel, status and running.
type jobOptions struct {
	jobID             string
	jobName           string
	multipleJobs      bool
	pollInterval      time.Duration
	cancelTimeout     time.Duration
	drain             bool
	expectedState     string
	waitUntilFinished optionalBool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "jobwatch",
		Short:         "Wait for, inspect and cancel long-running batch and streaming jobs",
		Long:          "jobwatch polls a job-tracking API until the selected jobs reach their expected terminal state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})))
			return opts.loadSession(cmd)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "TOML session file with defaults for all flags")
	flags.StringVar(&opts.backend, "backend", config.BackendDataflow, "Job backend (dataflow/docker)")
	flags.StringVar(&opts.endpoint, "endpoint", dataflow.DefaultEndpoint, "Dataflow REST endpoint")
	flags.StringVar(&opts.tokenFile, "token-file", "", "File holding a bearer token for the REST endpoint")
	flags.IntVar(&opts.numRetries, "num-retries", -1, "Retries for transient API errors (default 5)")
	flags.StringVarP(&opts.projectID, "project", "p", "", "Project ID of the jobs")
	flags.StringVarP(&opts.location, "location", "l", job.DefaultLocation, "Location (region) of the jobs")
	flags.StringVarP(&opts.output, "output", "o", config.OutputJSON, "Output format (json/yaml)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	registerWaitCommand(rootCmd, opts)
	registerCancelCommand(rootCmd, opts)
	registerStatusCommand(rootCmd, opts)
	registerRunningCommand(rootCmd, opts)
	registerMessagesCommand(rootCmd, opts)
	registerAutoscalingEventsCommand(rootCmd, opts)
	registerMetricsCommand(rootCmd, opts)
	registerNameCommand(rootCmd)

	return rootCmd
}

// loadSession reads the session file and lays explicitly set flags over it.
func (o *rootOptions) loadSession(cmd *cobra.Command) error {
	sf, err := config.LoadSessionFile(o.configFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		sf.Backend = o.backend
	}
	if flags.Changed("endpoint") || sf.Endpoint == "" {
		sf.Endpoint = o.endpoint
	}
	if flags.Changed("token-file") {
		sf.TokenFile = o.tokenFile
	}
	if flags.Changed("num-retries") {
		sf.NumRetries = &o.numRetries
	}
	if flags.Changed("project") {
		sf.Job.ProjectID = o.projectID
	}
	if flags.Changed("location") {
		sf.Job.Location = o.location
	}
	if flags.Changed("output") {
		sf.Output = o.output
	}

	if err := sf.Validate(); err != nil {
		return err
	}
	o.session = sf
	return nil
}

// newAPI connects to the configured backend. The returned close func releases it.
func (o *rootOptions) newAPI() (job.API, func() error, error) {
	switch o.session.Backend {
	case config.BackendDocker:
		b, err := docker.New(docker.LoadConfigFromEnv(), nil)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		retries := -1
		if o.session.NumRetries != nil {
			retries = *o.session.NumRetries
		}
		c, err := dataflow.New(dataflow.Config{
			Endpoint:   o.session.Endpoint,
			Token:      config.GetSecretFile(o.session.TokenFile),
			NumRetries: retries,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

// newController builds a controller from the session file, the job flags
// and an optional explicit job id.
func (o *rootOptions) newController(cmd *cobra.Command, jo *jobOptions, jobID string) (*job.Controller, func() error, error) {
	cfg, err := o.session.ControllerConfig()
	if err != nil {
		return nil, nil, err
	}

	if jo != nil {
		flags := cmd.Flags()
		if flags.Changed("job-id") {
			cfg.JobID = jo.jobID
		}
		if flags.Changed("job-name") {
			cfg.JobName = jo.jobName
		}
		if flags.Changed("multiple-jobs") {
			cfg.MultipleJobs = jo.multipleJobs
		}
		if flags.Changed("poll-interval") {
			cfg.PollInterval = jo.pollInterval
		}
		if flags.Changed("cancel-timeout") {
			cfg.CancelTimeout = jo.cancelTimeout
		}
		if flags.Changed("drain") {
			cfg.DrainPipeline = jo.drain
		}
		if jo.waitUntilFinished.set {
			v := jo.waitUntilFinished.value
			cfg.WaitUntilFinished = &v
		}
		if jo.expectedState != "" {
			state, err := job.ParseState(jo.expectedState)
			if err != nil {
				return nil, nil, err
			}
			cfg.ExpectedTerminalState = state
		}
	}
	if jobID != "" {
		cfg.JobID = jobID
	}

	api, closeAPI, err := o.newAPI()
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := job.NewController(api, cfg)
	if err != nil {
		closeAPI()
		return nil, nil, err
	}
	return ctrl, closeAPI, nil
}

// print writes v in the selected output format.
func (o *rootOptions) print(cmd *cobra.Command, v any) error {
	return writeOutput(cmd.OutOrStdout(), o.session.Output, v)
}

func addJobFlags(cmd *cobra.Command, jo *jobOptions) {
	flags := cmd.Flags()
	flags.StringVar(&jo.jobID, "job-id", "", "ID of the job to track")
	flags.StringVar(&jo.jobName, "job-name", "", "Name (prefix) of the jobs to track")
	flags.BoolVar(&jo.multipleJobs, "multiple-jobs", false, "Track every job whose name starts with --job-name")
	flags.DurationVar(&jo.pollInterval, "poll-interval", job.DefaultPollInterval, "Time between polls")
	flags.StringVar(&jo.expectedState, "expected-state", "", "Expected terminal state (e.g. JOB_STATE_DRAINED)")
	flags.Var(&jo.waitUntilFinished, "wait-until-finished", "Treat RUNNING as terminal (false) or keep waiting (true); unset uses the job type")
	flags.Lookup("wait-until-finished").NoOptDefVal = "true"
}
