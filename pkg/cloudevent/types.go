// Package cloudevent builds CloudEvents 1.0 watch notifications and posts
// them to callback URLs in structured mode.
package cloudevent

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const specVersion = "1.0"

// CloudEvent is a structured-mode event with a JSON object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New stamps an event of eventType at now with a fresh id. Subject is
// the watch id for watch notifications.
func New(eventType, source, subject string, now time.Time, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     specVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            now.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes CloudEvents 1.0 requires.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("cloudevent: nil event")
	case e.SpecVersion != specVersion:
		return errors.New("cloudevent: unsupported specversion " + e.SpecVersion)
	case e.ID == "":
		return errors.New("cloudevent: id is required")
	case e.Type == "":
		return errors.New("cloudevent: type is required")
	case e.Source == "":
		return errors.New("cloudevent: source is required")
	}
	return nil
}
