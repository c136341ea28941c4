package watch

import (
	"context"
	"fmt"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Validation limits
const (
	maxJobIDLength      = 128
	maxPollIntervalSecs = 3600
	maxTimeoutSecs      = 7 * 86400
	maxMetaKeyLen       = 64
	maxMetaValueLen     = 256
	maxMetaEntries      = 32
	maxCallbackEvents   = 16
)

// Defaults fill in request fields the caller leaves empty.
type Defaults struct {
	ProjectID     string
	Location      string
	PollInterval  time.Duration
	CancelTimeout time.Duration
}

// Query addresses jobs for one-off lookups. Empty fields fall back to Defaults.
type Query struct {
	ProjectID string
	Location  string
}

// Service builds reconciliation controllers against one job backend.
//
// The Service holds no job state; every call creates a fresh Controller,
// so it is safe for concurrent use.
type Service struct {
	api      job.API
	defaults Defaults
	clock    job.Clock
	metrics  job.MetricsRecorder
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock sets the clock handed to every controller.
func WithClock(clock job.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics sets the recorder handed to every controller.
func WithMetrics(m job.MetricsRecorder) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new watch service.
func NewService(api job.API, defaults Defaults, opts ...ServiceOption) *Service {
	if defaults.Location == "" {
		defaults.Location = job.DefaultLocation
	}
	if defaults.PollInterval <= 0 {
		defaults.PollInterval = job.DefaultPollInterval
	}
	s := &Service{
		api:      api,
		defaults: defaults,
		clock:    job.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the clock used by controllers.
func (s *Service) Clock() job.Clock {
	return s.clock
}

// Controller validates req, applies defaults and returns a controller for it.
func (s *Service) Controller(req *Request) (*job.Controller, error) {
	s.applyDefaults(req)
	if err := validate(req); err != nil {
		return nil, err
	}
	expected, err := job.ParseState(req.ExpectedTerminalState)
	if err != nil {
		return nil, err
	}
	return s.newController(job.ControllerConfig{
		ProjectID:             req.ProjectID,
		Location:              req.Location,
		JobID:                 req.JobID,
		JobName:               req.JobName,
		MultipleJobs:          req.MultipleJobs,
		PollInterval:          time.Duration(req.PollIntervalSeconds) * time.Second,
		CancelTimeout:         s.defaults.CancelTimeout,
		WaitUntilFinished:     req.WaitUntilFinished,
		ExpectedTerminalState: expected,
	})
}

// GetJob returns the current snapshot of one job.
func (s *Service) GetJob(ctx context.Context, q Query, jobID string) (*job.Job, error) {
	ctrl, err := s.jobController(q, jobID, false)
	if err != nil {
		return nil, err
	}
	return ctrl.FetchJobByID(ctx, jobID)
}

// ListJobs returns the jobs in scope whose name starts with prefix.
// An empty prefix lists every job.
func (s *Service) ListJobs(ctx context.Context, q Query, prefix string) ([]job.Job, error) {
	if prefix == "" {
		return s.listAll(ctx, s.scope(q))
	}
	scope := s.scope(q)
	ctrl, err := s.newController(job.ControllerConfig{
		ProjectID:    scope.ProjectID,
		Location:     scope.Location,
		JobName:      prefix,
		MultipleJobs: true,
	})
	if err != nil {
		return nil, err
	}
	return ctrl.GetJobs(ctx, true)
}

func (s *Service) listAll(ctx context.Context, scope job.Scope) ([]job.Job, error) {
	if scope.ProjectID == "" {
		return nil, apperrors.Validation("projectId", "project ID is required")
	}
	pages := job.Paginate(ctx, func(ctx context.Context, token string) (*job.ListJobsResponse, error) {
		return s.api.ListJobs(ctx, scope, token)
	}, func(p *job.ListJobsResponse) string { return p.NextPageToken })

	jobs := []job.Job{}
	for page, err := range pages {
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page.Jobs...)
	}
	return jobs, nil
}

// CancelJob cancels (or drains) one job and waits until it stops.
// timeout overrides the default cancel timeout when positive.
func (s *Service) CancelJob(ctx context.Context, q Query, jobID string, drain bool, timeout time.Duration) (*job.Job, error) {
	ctrl, err := s.jobController(q, jobID, drain, func(c *job.ControllerConfig) {
		if timeout > 0 {
			c.CancelTimeout = timeout
		}
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Cancel(ctx); err != nil {
		return nil, err
	}
	return ctrl.FetchJobByID(ctx, jobID)
}

// IsJobRunning reports whether the job is not yet in a terminal state.
func (s *Service) IsJobRunning(ctx context.Context, q Query, jobID string) (bool, error) {
	ctrl, err := s.jobController(q, jobID, false)
	if err != nil {
		return false, err
	}
	return ctrl.IsJobRunning(ctx)
}

// Messages returns every message of a job.
func (s *Service) Messages(ctx context.Context, q Query, jobID string) ([]job.Message, error) {
	ctrl, err := s.jobController(q, jobID, false)
	if err != nil {
		return nil, err
	}
	return ctrl.FetchJobMessagesByID(ctx, jobID)
}

// AutoscalingEvents returns every autoscaling event of a job.
func (s *Service) AutoscalingEvents(ctx context.Context, q Query, jobID string) ([]job.AutoscalingEvent, error) {
	ctrl, err := s.jobController(q, jobID, false)
	if err != nil {
		return nil, err
	}
	return ctrl.FetchJobAutoscalingEventsByID(ctx, jobID)
}

// Metrics returns the latest metric updates of a job.
func (s *Service) Metrics(ctx context.Context, q Query, jobID string) (*job.JobMetrics, error) {
	ctrl, err := s.jobController(q, jobID, false)
	if err != nil {
		return nil, err
	}
	return ctrl.FetchJobMetricsByID(ctx, jobID)
}

func (s *Service) jobController(q Query, jobID string, drain bool, mutate ...func(*job.ControllerConfig)) (*job.Controller, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	scope := s.scope(q)
	cfg := job.ControllerConfig{
		ProjectID:     scope.ProjectID,
		Location:      scope.Location,
		JobID:         jobID,
		CancelTimeout: s.defaults.CancelTimeout,
		DrainPipeline: drain,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return s.newController(cfg)
}

func (s *Service) newController(cfg job.ControllerConfig) (*job.Controller, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = s.defaults.PollInterval
	}
	opts := []job.Option{job.WithClock(s.clock)}
	if s.metrics != nil {
		opts = append(opts, job.WithMetrics(s.metrics))
	}
	return job.NewController(s.api, cfg, opts...)
}

func (s *Service) scope(q Query) job.Scope {
	scope := job.Scope{ProjectID: q.ProjectID, Location: q.Location}
	if scope.ProjectID == "" {
		scope.ProjectID = s.defaults.ProjectID
	}
	if scope.Location == "" {
		scope.Location = s.defaults.Location
	}
	return scope
}

// applyDefaults sets default values for unspecified request fields.
func (s *Service) applyDefaults(req *Request) {
	if req.ProjectID == "" {
		req.ProjectID = s.defaults.ProjectID
	}
	if req.Location == "" {
		req.Location = s.defaults.Location
	}
	if req.PollIntervalSeconds <= 0 {
		req.PollIntervalSeconds = max(1, int(s.defaults.PollInterval/time.Second))
	}
}

// validate validates a watch request. Does not modify the request.
func validate(req *Request) error {
	if req.ProjectID == "" {
		return apperrors.Validation("projectId", "project ID is required")
	}
	if req.JobID == "" && req.JobName == "" {
		return apperrors.Validation("jobId", "missing both job ID and job name")
	}
	if req.JobID != "" {
		if err := validateJobID(req.JobID); err != nil {
			return err
		}
	}
	if req.PollIntervalSeconds > maxPollIntervalSecs {
		return apperrors.Validation("pollIntervalSeconds", fmt.Sprintf("poll interval exceeds maximum of %d seconds", maxPollIntervalSecs))
	}
	if req.TimeoutSeconds < 0 {
		return apperrors.Validation("timeoutSeconds", "timeout must not be negative")
	}
	if req.TimeoutSeconds > maxTimeoutSecs {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", maxTimeoutSecs))
	}

	// Validate metadata
	if len(req.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range req.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	// Validate callback
	if req.Callback != nil {
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range req.Callback.Events {
			if !FilteredEvents(e, eventTypes) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
			}
		}
	}
	return nil
}

func validateJobID(jobID string) error {
	if jobID == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	if len(jobID) > maxJobIDLength {
		return apperrors.Validation("jobId", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if strings.ContainsAny(jobID, "/?#") {
		return apperrors.Validation("jobId", "job ID must not contain '/', '?' or '#'")
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// watchLogger returns a logger tagged with the watch's identifiers.
func watchLogger(w *Watch) *slog.Logger {
	l := slog.With("component", "watch", "watchId", w.ID, "projectId", w.Request.ProjectID)
	if w.Request.JobID != "" {
		l = l.With("jobId", w.Request.JobID)
	}
	if w.Request.JobName != "" {
		l = l.With("jobName", w.Request.JobName)
	}
	return l
}
