package docker

import (
	"jobwatch/internal/job"
	"strings"
	"time"
)

// containerInfo is the part of a container inspection that maps onto a job.
type containerInfo struct {
	ID         string
	Name       string
	Status     string // created, running, paused, restarting, removing, exited, dead
	ExitCode   int
	OOMKilled  bool
	Created    string
	StartedAt  string
	FinishedAt string
	Labels     map[string]string
	Tty        bool
}

// Exit codes of a process ended by SIGINT, SIGKILL or SIGTERM.
var cancelExitCodes = map[int]bool{130: true, 137: true, 143: true}

// managed reports whether the container is a job in scope.
func (c containerInfo) managed(scope job.Scope) bool {
	if c.Labels[LabelManaged] != "true" {
		return false
	}
	if scope.ProjectID != "" && c.Labels[LabelProject] != scope.ProjectID {
		return false
	}
	return scope.Location == "" || c.Labels[LabelLocation] == "" || c.Labels[LabelLocation] == scope.Location
}

// jobFromContainer maps a container onto the job model.
func jobFromContainer(c containerInfo) job.Job {
	typ, err := job.ParseType(c.Labels[LabelType])
	if err != nil || typ == job.TypeUnknown {
		typ = job.TypeBatch
	}

	j := job.Job{
		ID:         c.ID,
		Name:       strings.TrimPrefix(c.Name, "/"),
		ProjectID:  c.Labels[LabelProject],
		Location:   c.Labels[LabelLocation],
		Type:       typ,
		CreateTime: parseDockerTime(c.Created),
	}
	j.CurrentState = containerState(c, typ == job.TypeStreaming)

	switch {
	case c.Status == "exited" || c.Status == "dead":
		j.CurrentStateTime = parseDockerTime(c.FinishedAt)
	case c.Status == "created":
		j.CurrentStateTime = j.CreateTime
	default:
		j.CurrentStateTime = parseDockerTime(c.StartedAt)
	}
	return j
}

// containerState maps a Docker container status onto a job state.
func containerState(c containerInfo, streaming bool) job.State {
	switch c.Status {
	case "created":
		return job.StateQueued
	case "restarting":
		return job.StatePending
	case "running":
		return job.StateRunning
	case "paused":
		return job.StateStopped
	case "removing":
		return job.StateCancelling
	case "dead":
		return job.StateFailed
	case "exited":
		switch {
		case c.OOMKilled:
			return job.StateFailed
		case c.ExitCode == 0 && streaming:
			return job.StateDrained
		case c.ExitCode == 0:
			return job.StateDone
		case cancelExitCodes[c.ExitCode]:
			return job.StateCancelled
		default:
			return job.StateFailed
		}
	default:
		return job.StateUnknown
	}
}

// parseDockerTime parses the RFC 3339 timestamps Docker reports. Docker uses
// the zero time "0001-01-01T00:00:00Z" for events that never happened.
func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
