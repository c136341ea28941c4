// Package dataflow implements job.API over the Dataflow v1b3 JSON REST API.
package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"jobwatch/pkg/backoff"
	"jobwatch/pkg/circuitbreaker"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder is an optional interface for recording API call metrics.
type MetricsRecorder interface {
	RecordAPIRequest(ctx context.Context, backend, operation, outcome string, durationSeconds float64)
	RecordAPIRetry(ctx context.Context, backend, operation string)
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Status     string // e.g. "NOT_FOUND"
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dataflow API returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("dataflow API returned HTTP %d: %s", e.StatusCode, e.Message)
}

// errorBody is the standard Google API error envelope.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// errMalformedResponse marks a 2xx response whose body could not be decoded.
var errMalformedResponse = errors.New("malformed response")

// isTransient reports whether err is worth retrying: network failures,
// throttling and server errors.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, errMalformedResponse) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// Client talks to the Dataflow REST API.
type Client struct {
	http     *http.Client
	endpoint string
	host     string
	cfg      Config
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder
}

// New creates a client. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) (*Client, error) {
	cfg = cfg.withDefaults()

	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || parsed.Host == "" {
		return nil, apperrors.Validation("endpoint", fmt.Sprintf("invalid endpoint %q", cfg.Endpoint))
	}
	endpoint := cfg.Endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint,
		host:     parsed.Host,
		cfg:      cfg,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		logger:   slog.With("component", "dataflow", "endpoint", parsed.Host),
		metrics:  metrics,
	}, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, scope job.Scope, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, "getJob", http.MethodGet, jobPath(scope, jobID), nil, nil, &j); err != nil {
		return nil, notFound(err, jobID)
	}
	return &j, nil
}

// ListJobs fetches one page of jobs in scope.
func (c *Client) ListJobs(ctx context.Context, scope job.Scope, pageToken string) (*job.ListJobsResponse, error) {
	var resp job.ListJobsResponse
	if err := c.do(ctx, "listJobs", http.MethodGet, jobsPath(scope), pageQuery(pageToken), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobMessages fetches one page of a job's messages and autoscaling events.
func (c *Client) ListJobMessages(ctx context.Context, scope job.Scope, jobID, pageToken string) (*job.ListJobMessagesResponse, error) {
	var resp job.ListJobMessagesResponse
	if err := c.do(ctx, "listJobMessages", http.MethodGet, jobPath(scope, jobID)+"/messages", pageQuery(pageToken), nil, &resp); err != nil {
		return nil, notFound(err, jobID)
	}
	return &resp, nil
}

// GetJobMetrics fetches the latest metric updates of a job.
func (c *Client) GetJobMetrics(ctx context.Context, scope job.Scope, jobID string) (*job.JobMetrics, error) {
	var m job.JobMetrics
	if err := c.do(ctx, "getJobMetrics", http.MethodGet, jobPath(scope, jobID)+"/metrics", nil, nil, &m); err != nil {
		return nil, notFound(err, jobID)
	}
	return &m, nil
}

// UpdateJobState requests a state change for a job.
func (c *Client) UpdateJobState(ctx context.Context, scope job.Scope, jobID string, requested job.State) (*job.Job, error) {
	body := map[string]string{"requestedState": string(requested)}
	var j job.Job
	if err := c.do(ctx, "updateJob", http.MethodPut, jobPath(scope, jobID), nil, body, &j); err != nil {
		return nil, notFound(err, jobID)
	}
	return &j, nil
}

// Ready lists jobs in the configured scope once, without retries.
func (c *Client) Ready(ctx context.Context) error {
	if c.cfg.ReadyScope.ProjectID == "" {
		return nil
	}
	if c.breakers.Get(c.host).State() == circuitbreaker.Open {
		return apperrors.Unavailable("dataflow.ready", circuitbreaker.ErrOpen)
	}
	var resp job.ListJobsResponse
	return c.once(ctx, "ready", http.MethodGet, jobsPath(c.cfg.ReadyScope), nil, nil, &resp)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do performs one API call with retries, guarded by the host's circuit breaker.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	policy := backoff.Policy{
		Retries: c.cfg.NumRetries,
		Backoff: &c.cfg.Backoff,
		Retryable: func(err error) bool {
			return ctx.Err() == nil && isTransient(err)
		},
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("Retrying API call", "op", op, "attempt", attempt, "error", err)
			if c.metrics != nil {
				c.metrics.RecordAPIRetry(ctx, "dataflow", op)
			}
		},
	}

	err := c.breakers.Get(c.host).Execute(func() error {
		return backoff.Retry(ctx, policy, func(ctx context.Context) error {
			return c.once(ctx, op, method, path, query, body, out)
		})
	}, isTransient)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.Unavailable("dataflow."+op, err)
	}
	return err
}

// once performs a single HTTP round trip.
func (c *Client) once(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, op, "error", start)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.record(ctx, op, strconv.Itoa(resp.StatusCode), start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Status = eb.Error.Status
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %w", errMalformedResponse, op, err)
	}
	return nil
}

func (c *Client) record(ctx context.Context, op, outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordAPIRequest(ctx, "dataflow", op, outcome, time.Since(start).Seconds())
	}
}

func notFound(err error, jobID string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return apperrors.NotFound("job", jobID)
	}
	return err
}

func jobsPath(scope job.Scope) string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs",
		url.PathEscape(scope.ProjectID), url.PathEscape(scope.Location))
}

func jobPath(scope job.Scope, jobID string) string {
	return jobsPath(scope) + "/" + url.PathEscape(jobID)
}

func pageQuery(token string) url.Values {
	if token == "" {
		return nil
	}
	return url.Values{"pageToken": {token}}
}

// Verify Client implements job.API
var _ job.API = (*Client)(nil)
