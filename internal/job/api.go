// Package job tracks long-running batch and streaming jobs through a
// job-tracking API and decides when polling them can stop.
package job

import "context"

// API is the job-tracking backend a Controller polls.
//
// Implementations exist for the Dataflow REST API and for Docker containers.
// Transient failures are retried inside the implementation; errors returned
// here are final and propagate to the caller unmodified.
type API interface {
	// GetJob returns the current snapshot of one job.
	// Returns an apperrors.ErrNotFound error if the job does not exist.
	GetJob(ctx context.Context, scope Scope, jobID string) (*Job, error)

	// ListJobs returns one page of the jobs in scope, starting at pageToken.
	ListJobs(ctx context.Context, scope Scope, pageToken string) (*ListJobsResponse, error)

	// ListJobMessages returns one page of a job's messages and autoscaling events.
	ListJobMessages(ctx context.Context, scope Scope, jobID, pageToken string) (*ListJobMessagesResponse, error)

	// GetJobMetrics returns the latest metric updates of a job.
	GetJobMetrics(ctx context.Context, scope Scope, jobID string) (*JobMetrics, error)

	// UpdateJobState asks the backend to move a job to the requested state.
	// Only StateCancelled and StateDrained are requested by this package.
	UpdateJobState(ctx context.Context, scope Scope, jobID string, requested State) (*Job, error)
}

// MetricsRecorder receives reconciliation metrics. It is optional.
type MetricsRecorder interface {
	RecordPollRound(ctx context.Context, operation string, jobs int)
	RecordWaitOutcome(ctx context.Context, outcome string)
	RecordCancelRequest(ctx context.Context, requestedState string)
}
