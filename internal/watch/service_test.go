package watch

import (
	"context"
	"errors"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"jobwatch/internal/testutil"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const testProject = "test-project"

type stateUpdate struct {
	jobID string
	state job.State
}

// fakeAPI is a concurrency-safe job.API. GetJob walks the job's state
// sequence and keeps returning the last entry once exhausted.
type fakeAPI struct {
	mu     sync.Mutex
	states map[string][]job.Job
	calls  map[string]int

	messages []job.Message
	events   []job.AutoscalingEvent
	metrics  *job.JobMetrics
	updates  []stateUpdate
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{states: make(map[string][]job.Job), calls: make(map[string]int)}
}

// setJob replaces the state sequence of one job.
func (f *fakeAPI) setJob(id string, typ job.Type, states ...job.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := make([]job.Job, len(states))
	for i, s := range states {
		seq[i] = job.Job{ID: id, Name: "pipeline-" + id, ProjectID: testProject, Type: typ, CurrentState: s}
	}
	f.states[id] = seq
	f.calls[id] = 0
}

func (f *fakeAPI) current(id string) (job.Job, bool) {
	seq, ok := f.states[id]
	if !ok || len(seq) == 0 {
		return job.Job{}, false
	}
	return seq[min(f.calls[id], len(seq)-1)], true
}

func (f *fakeAPI) GetJob(_ context.Context, _ job.Scope, jobID string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.current(jobID)
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	f.calls[jobID]++
	return &j, nil
}

func (f *fakeAPI) ListJobs(_ context.Context, _ job.Scope, pageToken string) (*job.ListJobsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	// One job per page, keyed by the job id.
	start := 0
	for i, id := range ids {
		if id == pageToken {
			start = i
		}
	}
	if start >= len(ids) {
		return &job.ListJobsResponse{}, nil
	}
	j, _ := f.current(ids[start])
	resp := &job.ListJobsResponse{Jobs: []job.Job{j}}
	if start+1 < len(ids) {
		resp.NextPageToken = ids[start+1]
	}
	return resp, nil
}

func (f *fakeAPI) ListJobMessages(_ context.Context, _ job.Scope, jobID, pageToken string) (*job.ListJobMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[jobID]; !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	if pageToken == "" {
		return &job.ListJobMessagesResponse{JobMessages: f.messages[:1], AutoscalingEvents: f.events, NextPageToken: "2"}, nil
	}
	return &job.ListJobMessagesResponse{JobMessages: f.messages[1:]}, nil
}

func (f *fakeAPI) GetJobMetrics(_ context.Context, _ job.Scope, jobID string) (*job.JobMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metrics == nil {
		return nil, apperrors.NotFound("job", jobID)
	}
	return f.metrics, nil
}

func (f *fakeAPI) UpdateJobState(_ context.Context, _ job.Scope, jobID string, requested job.State) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.current(jobID)
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	f.updates = append(f.updates, stateUpdate{jobID: jobID, state: requested})
	// The backend settles the job in the requested state right away.
	j.CurrentState = requested
	f.states[jobID] = []job.Job{j}
	f.calls[jobID] = 0
	return &j, nil
}

func (f *fakeAPI) stateUpdates() []stateUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateUpdate(nil), f.updates...)
}

func newTestService(api job.API) *Service {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewService(api, Defaults{ProjectID: testProject, CancelTimeout: time.Minute}, WithClock(clock))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		req    *Request
		errMsg string
	}{
		{
			name:   "missing project",
			req:    &Request{JobID: "j1"},
			errMsg: "project ID is required",
		},
		{
			name:   "missing job id and name",
			req:    &Request{ProjectID: testProject},
			errMsg: "missing both job ID and job name",
		},
		{
			name: "valid by id",
			req:  &Request{ProjectID: testProject, JobID: "2024-01-01_00_00_00-123"},
		},
		{
			name: "valid by name",
			req:  &Request{ProjectID: testProject, JobName: "wordcount", MultipleJobs: true},
		},
		{
			name:   "job id with slash",
			req:    &Request{ProjectID: testProject, JobID: "a/b"},
			errMsg: "must not contain",
		},
		{
			name:   "job id too long",
			req:    &Request{ProjectID: testProject, JobID: strings.Repeat("a", maxJobIDLength+1)},
			errMsg: "exceeds maximum length",
		},
		{
			name:   "poll interval too large",
			req:    &Request{ProjectID: testProject, JobID: "j1", PollIntervalSeconds: maxPollIntervalSecs + 1},
			errMsg: "poll interval exceeds maximum",
		},
		{
			name:   "negative timeout",
			req:    &Request{ProjectID: testProject, JobID: "j1", TimeoutSeconds: -1},
			errMsg: "timeout must not be negative",
		},
		{
			name:   "meta value too long",
			req:    &Request{ProjectID: testProject, JobID: "j1", Meta: map[string]string{"k": strings.Repeat("v", maxMetaValueLen+1)}},
			errMsg: "metadata value exceeds maximum length",
		},
		{
			name:   "callback without url",
			req:    &Request{ProjectID: testProject, JobID: "j1", Callback: &Callback{}},
			errMsg: "URL is required",
		},
		{
			name:   "callback with ftp url",
			req:    &Request{ProjectID: testProject, JobID: "j1", Callback: &Callback{URL: "ftp://example.com"}},
			errMsg: "scheme must be http or https",
		},
		{
			name:   "callback with unknown event",
			req:    &Request{ProjectID: testProject, JobID: "j1", Callback: &Callback{URL: "http://example.com", Events: []string{"jobwatch.watch.exploded"}}},
			errMsg: "unknown event type",
		},
		{
			name: "valid callback",
			req:  &Request{ProjectID: testProject, JobID: "j1", Callback: &Callback{URL: "https://example.com/hook", Events: []string{EventTypeSucceeded}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validate(tt.req)
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.errMsg)
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestService_ControllerDefaults(t *testing.T) {
	t.Parallel()
	svc := NewService(newFakeAPI(), Defaults{ProjectID: testProject, PollInterval: 30 * time.Second})

	req := &Request{JobName: "wordcount", ExpectedTerminalState: "cancelled"}
	ctrl, err := svc.Controller(req)
	if err != nil {
		t.Fatalf("Controller failed: %v", err)
	}

	cfg := ctrl.Config()
	if cfg.ProjectID != testProject || cfg.Location != job.DefaultLocation {
		t.Errorf("Expected default scope, got %s/%s", cfg.ProjectID, cfg.Location)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("Expected poll interval 30s, got %s", cfg.PollInterval)
	}
	if cfg.ExpectedTerminalState != job.StateCancelled {
		t.Errorf("Expected %s, got %s", job.StateCancelled, cfg.ExpectedTerminalState)
	}
	if req.PollIntervalSeconds != 30 || req.Location != job.DefaultLocation {
		t.Errorf("Expected defaults written back to the request, got %+v", req)
	}

	_, err = svc.Controller(&Request{JobID: "j1", ExpectedTerminalState: "exploded"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for unknown state, got %v", err)
	}
}

func TestService_Lookups(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.setJob("a-1", job.TypeBatch, job.StateRunning)
	api.setJob("b-1", job.TypeBatch, job.StateDone)
	api.messages = []job.Message{{MessageText: "first"}, {MessageText: "second"}}
	api.events = []job.AutoscalingEvent{{CurrentNumWorkers: 1, TargetNumWorkers: 3}}
	api.metrics = &job.JobMetrics{Metrics: []job.MetricUpdate{{Name: job.MetricName{Name: "ElementCount"}}}}
	svc := newTestService(api)
	ctx := context.Background()

	j, err := svc.GetJob(ctx, Query{}, "a-1")
	if err != nil || j.CurrentState != job.StateRunning {
		t.Errorf("Expected running job, got %+v, %v", j, err)
	}

	if _, err := svc.GetJob(ctx, Query{}, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	all, err := svc.ListJobs(ctx, Query{}, "")
	if err != nil || len(all) != 2 {
		t.Errorf("Expected 2 jobs across pages, got %d, %v", len(all), err)
	}

	filtered, err := svc.ListJobs(ctx, Query{}, "pipeline-b")
	if err != nil || len(filtered) != 1 || filtered[0].ID != "b-1" {
		t.Errorf("Expected only b-1, got %+v, %v", filtered, err)
	}

	if _, err := svc.ListJobs(ctx, Query{}, ""); err != nil {
		t.Errorf("Expected listing with default project, got %v", err)
	}
	empty := NewService(api, Defaults{})
	if _, err := empty.ListJobs(ctx, Query{}, ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error without a project, got %v", err)
	}

	running, err := svc.IsJobRunning(ctx, Query{}, "a-1")
	if err != nil || !running {
		t.Errorf("Expected a-1 running, got %v, %v", running, err)
	}
	running, err = svc.IsJobRunning(ctx, Query{ProjectID: "other"}, "b-1")
	if err != nil || running {
		t.Errorf("Expected b-1 not running, got %v, %v", running, err)
	}

	messages, err := svc.Messages(ctx, Query{}, "a-1")
	if err != nil || len(messages) != 2 {
		t.Errorf("Expected 2 messages, got %d, %v", len(messages), err)
	}
	events, err := svc.AutoscalingEvents(ctx, Query{}, "a-1")
	if err != nil || len(events) != 1 || events[0].TargetNumWorkers != 3 {
		t.Errorf("Expected 1 autoscaling event, got %+v, %v", events, err)
	}
	metrics, err := svc.Metrics(ctx, Query{}, "a-1")
	if err != nil || len(metrics.Metrics) != 1 {
		t.Errorf("Expected 1 metric, got %+v, %v", metrics, err)
	}

	if _, err := svc.GetJob(ctx, Query{}, ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for empty job id, got %v", err)
	}
}

func TestService_CancelJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		typ       job.Type
		drain     bool
		wantState job.State
	}{
		{"batch cancel", job.TypeBatch, false, job.StateCancelled},
		{"batch with drain still cancels", job.TypeBatch, true, job.StateCancelled},
		{"streaming drain", job.TypeStreaming, true, job.StateDrained},
		{"streaming cancel", job.TypeStreaming, false, job.StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeAPI()
			api.setJob("j1", tt.typ, job.StateRunning)
			svc := newTestService(api)

			j, err := svc.CancelJob(context.Background(), Query{}, "j1", tt.drain, 0)
			if err != nil {
				t.Fatalf("CancelJob failed: %v", err)
			}
			if j.CurrentState != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, j.CurrentState)
			}
			updates := api.stateUpdates()
			if len(updates) != 1 || updates[0].state != tt.wantState {
				t.Errorf("Expected one %s update, got %+v", tt.wantState, updates)
			}
		})
	}
}

func TestService_CancelFinishedJob(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.setJob("j1", job.TypeBatch, job.StateDone)
	svc := newTestService(api)

	j, err := svc.CancelJob(context.Background(), Query{}, "j1", false, time.Second)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if j.CurrentState != job.StateDone {
		t.Errorf("Expected DONE, got %s", j.CurrentState)
	}
	if len(api.stateUpdates()) != 0 {
		t.Errorf("Expected no update for a finished job, got %+v", api.stateUpdates())
	}
}
