package watch

import (
	"jobwatch/internal/job"
	"jobwatch/pkg/cloudevent"
	"slices"
	"time"
)

// Event types for watch lifecycle callbacks
const (
	EventTypeStart     = "jobwatch.watch.start"
	EventTypeSucceeded = "jobwatch.watch.succeeded"
	EventTypeFailed    = "jobwatch.watch.failed"
	EventTypeStopped   = "jobwatch.watch.stopped"
)

// eventTypes lists every event a callback may filter on.
var eventTypes = []string{EventTypeStart, EventTypeSucceeded, EventTypeFailed, EventTypeStopped}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// outcomeEventType maps a finished status to its event type.
func outcomeEventType(s Status) string {
	switch s {
	case StatusSucceeded:
		return EventTypeSucceeded
	case StatusStopped:
		return EventTypeStopped
	default:
		return EventTypeFailed
	}
}

// EventBuilder builds CloudEvents for watch lifecycle events.
type EventBuilder struct {
	source  string
	watchID string
	meta    map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(watchID, source string, meta map[string]string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		watchID: watchID,
		meta:    meta,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, now time.Time, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.watchID, now, data)
}

// BuildStartEvent creates a watch start event.
func (b *EventBuilder) BuildStartEvent(now time.Time, req Request) *cloudevent.CloudEvent {
	data := map[string]any{
		"watchId":   b.watchID,
		"projectId": req.ProjectID,
		"location":  req.Location,
		"meta":      b.meta,
	}
	if req.JobID != "" {
		data["jobId"] = req.JobID
	}
	if req.JobName != "" {
		data["jobName"] = req.JobName
	}
	return b.Build(EventTypeStart, now, data)
}

// BuildOutcomeEvent creates the succeeded, failed or stopped event for a finished watch.
func (b *EventBuilder) BuildOutcomeEvent(now time.Time, w *Watch) *cloudevent.CloudEvent {
	jobs := make([]map[string]any, 0, len(w.Jobs))
	for _, j := range w.Jobs {
		jobs = append(jobs, jobSummary(j))
	}
	data := map[string]any{
		"watchId": b.watchID,
		"status":  string(w.Status),
		"jobs":    jobs,
		"meta":    b.meta,
	}
	if w.Error != "" {
		data["error"] = w.Error
	}
	return b.Build(outcomeEventType(w.Status), now, data)
}

func jobSummary(j job.Job) map[string]any {
	return map[string]any{
		"id":    j.ID,
		"name":  j.Name,
		"type":  string(j.Type),
		"state": string(j.CurrentState),
	}
}
