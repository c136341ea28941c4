// Package watch runs reconciliation sessions in the background and reports
// their outcome to callback URLs.
package watch

import (
	"jobwatch/internal/job"
	"time"
)

// Status is the lifecycle state of a watch.
type Status string

// Watch statuses
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsFinished reports whether the watch has stopped polling.
func (s Status) IsFinished() bool {
	return s != StatusRunning
}

// Request describes the jobs a watch follows and how it decides they are done.
type Request struct {
	ProjectID             string            `json:"projectId,omitempty"`
	Location              string            `json:"location,omitempty"`
	JobID                 string            `json:"jobId,omitempty"`
	JobName               string            `json:"jobName,omitempty"`
	MultipleJobs          bool              `json:"multipleJobs,omitempty"`
	PollIntervalSeconds   int               `json:"pollIntervalSeconds,omitempty"`
	TimeoutSeconds        int               `json:"timeoutSeconds,omitempty"` // 0 = no limit
	WaitUntilFinished     *bool             `json:"waitUntilFinished,omitempty"`
	ExpectedTerminalState string            `json:"expectedTerminalState,omitempty"`
	Meta                  map[string]string `json:"meta,omitempty"`
	Callback              *Callback         `json:"callback,omitempty"`
}

// Callback represents callback configuration for a watch.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Watch is one background reconciliation session.
type Watch struct {
	ID         string    `json:"id"`
	Request    Request   `json:"request"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Jobs       []job.Job `json:"jobs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Redacted returns a copy safe to return to API clients.
func (w Watch) Redacted() Watch {
	if w.Request.Callback != nil {
		cb := *w.Request.Callback
		if cb.Key != "" {
			cb.Key = "***"
		}
		w.Request.Callback = &cb
	}
	return w
}

// ListResponse represents the response for listing watches.
type ListResponse struct {
	Watches []Watch `json:"watches"`
}
