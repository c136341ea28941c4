package job

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state reported by the job-tracking API.
type State string

// Job states as reported by the tracking API.
const (
	StateUnknown    State = "JOB_STATE_UNKNOWN"
	StateQueued     State = "JOB_STATE_QUEUED"
	StatePending    State = "JOB_STATE_PENDING"
	StateRunning    State = "JOB_STATE_RUNNING"
	StateDone       State = "JOB_STATE_DONE"
	StateFailed     State = "JOB_STATE_FAILED"
	StateCancelled  State = "JOB_STATE_CANCELLED"
	StateCancelling State = "JOB_STATE_CANCELLING"
	StateDraining   State = "JOB_STATE_DRAINING"
	StateDrained    State = "JOB_STATE_DRAINED"
	StateStopped    State = "JOB_STATE_STOPPED"
	StateUpdated    State = "JOB_STATE_UPDATED"
)

// Type distinguishes batch jobs from streaming jobs.
type Type string

// Job types. Untyped and unknown jobs default to DONE as their expected state
// but are only rejected for DRAINED once they report TypeBatch.
const (
	TypeUnknown   Type = "JOB_TYPE_UNKNOWN"
	TypeBatch     Type = "JOB_TYPE_BATCH"
	TypeStreaming Type = "JOB_TYPE_STREAMING"
)

// Job is a snapshot of one tracked job.
type Job struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ProjectID        string    `json:"projectId,omitempty"`
	Location         string    `json:"location,omitempty"`
	Type             Type      `json:"type,omitempty"`
	CurrentState     State     `json:"currentState,omitempty"`
	CurrentStateTime time.Time `json:"currentStateTime,omitzero"`
	CreateTime       time.Time `json:"createTime,omitzero"`
	RequestedState   State     `json:"requestedState,omitempty"`
}

// IsStreaming reports whether the job is a streaming job.
func (j Job) IsStreaming() bool {
	return j.Type == TypeStreaming
}

// Message is one entry of a job's message log.
type Message struct {
	ID                string    `json:"id,omitempty"`
	Time              time.Time `json:"time,omitzero"`
	MessageText       string    `json:"messageText"`
	MessageImportance string    `json:"messageImportance,omitempty"`
}

// StructuredMessage is the description attached to an autoscaling event.
type StructuredMessage struct {
	MessageText string `json:"messageText,omitempty"`
	MessageKey  string `json:"messageKey,omitempty"`
}

// AutoscalingEvent records a worker pool resize decision.
type AutoscalingEvent struct {
	CurrentNumWorkers int64             `json:"currentNumWorkers,omitempty,string"`
	TargetNumWorkers  int64             `json:"targetNumWorkers,omitempty,string"`
	EventType         string            `json:"eventType,omitempty"`
	Description       StructuredMessage `json:"description,omitzero"`
	Time              time.Time         `json:"time,omitzero"`
	WorkerPool        string            `json:"workerPool,omitempty"`
}

// MetricName identifies a metric update.
type MetricName struct {
	Origin  string            `json:"origin,omitempty"`
	Name    string            `json:"name"`
	Context map[string]string `json:"context,omitempty"`
}

// MetricUpdate is one metric value. Scalar is kept raw since its JSON type varies per metric.
type MetricUpdate struct {
	Name       MetricName      `json:"name"`
	Kind       string          `json:"kind,omitempty"`
	Scalar     json.RawMessage `json:"scalar,omitempty"`
	UpdateTime time.Time       `json:"updateTime,omitzero"`
}

// JobMetrics holds the metric updates for a job at a point in time.
type JobMetrics struct {
	MetricTime time.Time      `json:"metricTime,omitzero"`
	Metrics    []MetricUpdate `json:"metrics"`
}

// ListJobsResponse is one page of a job listing.
type ListJobsResponse struct {
	Jobs          []Job  `json:"jobs"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// ListJobMessagesResponse is one page of a job's messages and autoscaling events.
type ListJobMessagesResponse struct {
	JobMessages       []Message          `json:"jobMessages"`
	AutoscalingEvents []AutoscalingEvent `json:"autoscalingEvents"`
	NextPageToken     string             `json:"nextPageToken,omitempty"`
}

// Scope addresses the project and location jobs live in.
type Scope struct {
	ProjectID string `json:"projectId"`
	Location  string `json:"location"`
}
