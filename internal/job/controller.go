package job

import (
	"context"
	"fmt"
	"iter"
	"jobwatch/internal/apperrors"
	"log/slog"
	"strings"
	"time"
)

// Defaults applied by ControllerConfig.ApplyDefaults.
const (
	DefaultLocation      = "us-central1"
	DefaultPollInterval  = 10 * time.Second
	DefaultCancelTimeout = 5 * time.Minute
)

// Wait outcomes reported to the MetricsRecorder.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// ControllerConfig configures one reconciliation session.
type ControllerConfig struct {
	ProjectID string
	Location  string

	// JobID selects a single job. When empty, or when MultipleJobs is set,
	// jobs are tracked by JobName prefix instead.
	JobID        string
	JobName      string
	MultipleJobs bool

	PollInterval time.Duration
	// CancelTimeout bounds the wait after a cancel request. Zero waits forever.
	CancelTimeout time.Duration
	// DrainPipeline requests DRAINED instead of CANCELLED for streaming jobs.
	DrainPipeline bool
	// WaitUntilFinished overrides the default RUNNING handling; nil keeps the default.
	WaitUntilFinished     *bool
	ExpectedTerminalState State

	// Options carries loosely typed settings; "project" is used when ProjectID is empty.
	Options map[string]string
}

// ApplyDefaults fills unset fields. It does not overwrite explicit values.
func (c *ControllerConfig) ApplyDefaults() {
	if c.ProjectID == "" {
		c.ProjectID = c.Options["project"]
	}
	if c.Location == "" {
		c.Location = DefaultLocation
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Validate checks the configuration. Does not modify it.
func (c *ControllerConfig) Validate() error {
	if p := c.Options["project"]; p != "" && c.ProjectID != "" && p != c.ProjectID {
		return apperrors.Validation("projectId", fmt.Sprintf(
			"the project is specified twice with different values (%q and options %q); pass it only once", c.ProjectID, p))
	}
	if c.ProjectID == "" {
		return apperrors.Validation("projectId", "project ID is required")
	}
	if c.JobID == "" && c.JobName == "" {
		return apperrors.Validation("jobId", "missing both job ID and job name")
	}
	if c.CancelTimeout < 0 {
		return apperrors.Validation("cancelTimeout", "cancel timeout must not be negative")
	}
	return nil
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithLogger sets the logger the controller derives its own from.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records poll rounds and outcomes.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller polls the jobs of one session until they settle.
//
// A Controller is not safe for concurrent use; it caches the jobs it last
// fetched and remembers the job ID once a name prefix resolves to one job.
type Controller struct {
	api     API
	cfg     ControllerConfig
	scope   Scope
	clock   Clock
	logger  *slog.Logger
	metrics MetricsRecorder

	jobID string
	jobs  []Job
}

// NewController applies defaults to cfg, validates it and returns a Controller.
func NewController(api API, cfg ControllerConfig, opts ...Option) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		api:    api,
		cfg:    cfg,
		scope:  Scope{ProjectID: cfg.ProjectID, Location: cfg.Location},
		clock:  SystemClock{},
		logger: slog.Default(),
		jobID:  cfg.JobID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "reconciler", "projectId", cfg.ProjectID, "location", cfg.Location)
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() ControllerConfig {
	return c.cfg
}

// JobID returns the tracked job ID, which may have been resolved from the name prefix.
func (c *Controller) JobID() string {
	return c.jobID
}

// GetJobs returns the tracked jobs, fetching them when the cache is empty or refresh is set.
func (c *Controller) GetJobs(ctx context.Context, refresh bool) ([]Job, error) {
	if len(c.jobs) > 0 && !refresh {
		return c.jobs, nil
	}
	jobs, err := c.currentJobs(ctx)
	if err != nil {
		return nil, err
	}
	c.jobs = jobs
	return jobs, nil
}

func (c *Controller) currentJobs(ctx context.Context) ([]Job, error) {
	if !c.cfg.MultipleJobs && c.jobID != "" {
		j, err := c.FetchJobByID(ctx, c.jobID)
		if err != nil {
			return nil, err
		}
		return []Job{*j}, nil
	}

	if c.cfg.JobName == "" {
		return nil, apperrors.Validation("jobName", "missing both job ID and job name")
	}

	jobs, err := c.fetchJobsByPrefix(ctx, strings.ToLower(c.cfg.JobName))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 1 {
		c.jobID = jobs[0].ID
	}
	return jobs, nil
}

func (c *Controller) fetchJobsByPrefix(ctx context.Context, prefix string) ([]Job, error) {
	pages := Paginate(ctx, func(ctx context.Context, token string) (*ListJobsResponse, error) {
		return c.api.ListJobs(ctx, c.scope, token)
	}, func(p *ListJobsResponse) string {
		return p.NextPageToken
	})

	var jobs []Job
	for page, err := range pages {
		if err != nil {
			return nil, err
		}
		for _, j := range page.Jobs {
			if strings.HasPrefix(j.Name, prefix) {
				jobs = append(jobs, j)
			}
		}
	}
	return jobs, nil
}

// JobReachedTerminalState classifies one job against the session's expected
// terminal state. See ReachedTerminalState.
func (c *Controller) JobReachedTerminalState(j Job, waitUntilFinished *bool) (bool, error) {
	return ReachedTerminalState(j, waitUntilFinished, c.cfg.ExpectedTerminalState)
}

// WaitForDone polls until every tracked job reached its expected terminal
// state. Every job of a round is classified from the same snapshot; the
// first failure aborts the wait.
func (c *Controller) WaitForDone(ctx context.Context) error {
	jobs, err := c.GetJobs(ctx, true)
	if err != nil {
		c.recordOutcome(ctx, OutcomeFailed)
		return err
	}

	for len(jobs) > 0 {
		c.recordPollRound(ctx, "wait", len(jobs))

		done, err := c.allReachedTerminalState(jobs)
		if err != nil {
			c.logger.Error("Job reached unexpected state", "error", err)
			c.recordOutcome(ctx, OutcomeFailed)
			return err
		}
		if done {
			break
		}

		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			c.recordOutcome(ctx, OutcomeCancelled)
			return err
		}
		if jobs, err = c.GetJobs(ctx, true); err != nil {
			c.recordOutcome(ctx, OutcomeFailed)
			return err
		}
	}

	c.logger.Info("Jobs reached terminal state", "jobs", len(jobs))
	c.recordOutcome(ctx, OutcomeSucceeded)
	return nil
}

func (c *Controller) allReachedTerminalState(jobs []Job) (bool, error) {
	done := true
	for _, j := range jobs {
		ok, err := c.JobReachedTerminalState(j, c.cfg.WaitUntilFinished)
		if err != nil {
			return false, err
		}
		c.logger.Debug("Job state", "jobId", j.ID, "jobName", j.Name, "state", j.CurrentState, "settled", ok)
		if !ok {
			done = false
		}
	}
	return done, nil
}

// IsJobRunning refreshes the jobs and reports whether any is not terminal.
// Failure states are reported as not running rather than as errors.
func (c *Controller) IsJobRunning(ctx context.Context) (bool, error) {
	jobs, err := c.GetJobs(ctx, true)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if !j.CurrentState.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// Cancel requests cancellation (or drain, for streaming jobs when
// DrainPipeline is set) of every tracked job that is not terminal, then
// polls until all of them can no longer be cancelled. The cancel timeout is
// checked once per round. Cancel is a no-op when every job is terminal.
func (c *Controller) Cancel(ctx context.Context) error {
	jobs, err := c.GetJobs(ctx, true)
	if err != nil {
		return err
	}

	var ids []string
	for _, j := range jobs {
		if j.CurrentState.IsTerminal() {
			continue
		}
		requested := StateCancelled
		if c.cfg.DrainPipeline && j.IsStreaming() {
			requested = StateDrained
		}
		if _, err := c.api.UpdateJobState(ctx, c.scope, j.ID, requested); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordCancelRequest(ctx, string(requested))
		}
		c.logger.Info("Requested job state", "jobId", j.ID, "jobName", j.Name, "state", requested)
		ids = append(ids, j.ID)
	}
	if len(ids) == 0 {
		c.logger.Info("No running jobs to cancel")
		return nil
	}

	var deadline time.Time
	if c.cfg.CancelTimeout > 0 {
		deadline = c.clock.Now().Add(c.cfg.CancelTimeout)
	}

	for {
		jobs, err := c.GetJobs(ctx, true)
		if err != nil {
			return err
		}
		c.recordPollRound(ctx, "cancel", len(jobs))

		if allCancelEnd(jobs) {
			c.logger.Info("Jobs cancelled", "jobIds", ids)
			return nil
		}
		if !deadline.IsZero() && !c.clock.Now().Before(deadline) {
			err := apperrors.CancelTimeout(c.cfg.CancelTimeout, ids)
			c.logger.Error("Cancel timed out", "jobIds", ids, "timeout", c.cfg.CancelTimeout)
			return err
		}
		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func allCancelEnd(jobs []Job) bool {
	for _, j := range jobs {
		if !j.CurrentState.IsCancelEnd() {
			return false
		}
	}
	return true
}

// FetchJobByID returns one job from the session's scope.
func (c *Controller) FetchJobByID(ctx context.Context, jobID string) (*Job, error) {
	return c.api.GetJob(ctx, c.scope, jobID)
}

// FetchJobMetricsByID returns the latest metrics of one job.
func (c *Controller) FetchJobMetricsByID(ctx context.Context, jobID string) (*JobMetrics, error) {
	return c.api.GetJobMetrics(ctx, c.scope, jobID)
}

// JobMessagePages lazily iterates the message pages of a job.
func (c *Controller) JobMessagePages(ctx context.Context, jobID string) iter.Seq2[*ListJobMessagesResponse, error] {
	return Paginate(ctx, func(ctx context.Context, token string) (*ListJobMessagesResponse, error) {
		return c.api.ListJobMessages(ctx, c.scope, jobID, token)
	}, func(p *ListJobMessagesResponse) string {
		return p.NextPageToken
	})
}

// FetchJobMessagesByID returns every message of a job, in page order.
func (c *Controller) FetchJobMessagesByID(ctx context.Context, jobID string) ([]Message, error) {
	var messages []Message
	for page, err := range c.JobMessagePages(ctx, jobID) {
		if err != nil {
			return nil, err
		}
		messages = append(messages, page.JobMessages...)
	}
	return messages, nil
}

// FetchJobAutoscalingEventsByID returns every autoscaling event of a job, in page order.
func (c *Controller) FetchJobAutoscalingEventsByID(ctx context.Context, jobID string) ([]AutoscalingEvent, error) {
	var events []AutoscalingEvent
	for page, err := range c.JobMessagePages(ctx, jobID) {
		if err != nil {
			return nil, err
		}
		events = append(events, page.AutoscalingEvents...)
	}
	return events, nil
}

func (c *Controller) recordPollRound(ctx context.Context, operation string, jobs int) {
	if c.metrics != nil {
		c.metrics.RecordPollRound(ctx, operation, jobs)
	}
}

func (c *Controller) recordOutcome(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordWaitOutcome(ctx, outcome)
	}
}
