//go:build integration

package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"jobwatch/internal/testutil"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
)

const testImage = "alpine:latest"

var integrationScope = job.Scope{ProjectID: "integration", Location: job.DefaultLocation}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{DrainTimeout: 2 * time.Second, MessagePageSize: 2}, nil)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	if err := b.Ready(ctx); err != nil {
		t.Skipf("Docker daemon not available: %v", err)
	}
	if _, err := b.client.ImageInspect(ctx, testImage); err != nil {
		reader, err := b.client.ImagePull(ctx, testImage, image.PullOptions{})
		if err != nil {
			t.Fatalf("Failed to pull %s: %v", testImage, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}
	return b
}

// createJob creates a labelled alpine container without starting it.
func createJob(t *testing.T, b *Backend, name, jobType, script string) string {
	t.Helper()
	ctx := context.Background()

	resp, err := b.client.ContainerCreate(ctx, &container.Config{
		Image: testImage,
		Cmd:   []string{"sh", "-c", script},
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelType:     jobType,
			LabelProject:  integrationScope.ProjectID,
			LabelLocation: integrationScope.Location,
		},
	}, nil, nil, nil, name)
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	t.Cleanup(func() {
		_ = b.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	})
	return resp.ID
}

// startJob runs a labelled alpine container and returns its id.
func startJob(t *testing.T, b *Backend, name, jobType, script string) string {
	t.Helper()
	id := createJob(t, b, name, jobType, script)
	if err := b.client.ContainerStart(context.Background(), id, container.StartOptions{}); err != nil {
		t.Fatalf("Failed to start container: %v", err)
	}
	return id
}

// waitForState polls the job until it reports want.
func waitForState(t *testing.T, b *Backend, id string, want job.State) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		j, err := b.GetJob(context.Background(), integrationScope, id)
		return err == nil && j.CurrentState == want
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(200*time.Millisecond),
		testutil.WithMessage(fmt.Sprintf("job %s to reach %s", id, want)))
}

func TestBackend_WaitForDone(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	name := fmt.Sprintf("batch-test-%d", time.Now().UnixNano())
	id := startJob(t, b, name, "batch", "echo 'hello from batch'; echo oops >&2; echo bye; sleep 1")

	ctrl, err := job.NewController(b, job.ControllerConfig{
		ProjectID:    integrationScope.ProjectID,
		JobID:        id,
		PollInterval: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := ctrl.WaitForDone(waitCtx); err != nil {
		t.Fatalf("WaitForDone failed: %v", err)
	}

	j, err := ctrl.FetchJobByID(ctx, id)
	if err != nil {
		t.Fatalf("FetchJobByID failed: %v", err)
	}
	if j.CurrentState != job.StateDone || j.Name != name {
		t.Errorf("Expected %s to be DONE, got %+v", name, j)
	}

	messages, err := ctrl.FetchJobMessagesByID(ctx, id)
	if err != nil {
		t.Fatalf("FetchJobMessagesByID failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages across pages, got %d: %+v", len(messages), messages)
	}
	var sawError bool
	for _, m := range messages {
		if m.MessageText == "oops" && m.MessageImportance == importanceStderr {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("Expected stderr line as an error message, got %+v", messages)
	}
}

func TestBackend_FailedJob(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	id := startJob(t, b, fmt.Sprintf("failing-test-%d", time.Now().UnixNano()), "batch", "exit 3")

	var j *job.Job
	testutil.MustWaitFor(t, func() bool {
		var err error
		j, err = b.GetJob(ctx, integrationScope, id)
		return err == nil && j.CurrentState.IsTerminal()
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(500*time.Millisecond))

	if j.CurrentState != job.StateFailed {
		t.Errorf("Expected FAILED, got %s", j.CurrentState)
	}
}

func TestBackend_CancelStreaming(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	name := fmt.Sprintf("stream-test-%d", time.Now().UnixNano())
	id := startJob(t, b, name, "streaming", "trap 'exit 0' TERM; while true; do sleep 0.2; done")

	testutil.MustWaitFor(t, func() bool {
		j, err := b.GetJob(ctx, integrationScope, id)
		return err == nil && j.CurrentState == job.StateRunning
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(200*time.Millisecond))

	ctrl, err := job.NewController(b, job.ControllerConfig{
		ProjectID:     integrationScope.ProjectID,
		JobName:       name,
		PollInterval:  500 * time.Millisecond,
		CancelTimeout: 30 * time.Second,
		DrainPipeline: true,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	running, err := ctrl.IsJobRunning(ctx)
	if err != nil || !running {
		t.Fatalf("Expected job to be running, got %v, %v", running, err)
	}

	if err := ctrl.Cancel(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	j, err := b.GetJob(ctx, integrationScope, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.CurrentState != job.StateDrained {
		t.Errorf("Expected DRAINED after graceful stop, got %s", j.CurrentState)
	}

	metrics, err := b.GetJobMetrics(ctx, integrationScope, id)
	if err != nil {
		t.Fatalf("GetJobMetrics failed: %v", err)
	}
	if len(metrics.Metrics) == 0 {
		t.Error("Expected metric updates")
	}
}

func TestBackend_OutOfScope(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	id := startJob(t, b, fmt.Sprintf("scope-test-%d", time.Now().UnixNano()), "batch", "sleep 1")

	_, err := b.GetJob(ctx, job.Scope{ProjectID: "someone-else"}, id)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found outside the project, got %v", err)
	}

	resp, err := b.ListJobs(ctx, integrationScope, "")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	found := false
	for _, j := range resp.Jobs {
		if j.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %s in listing", id)
	}
}

func TestBackend_CancelNeverStarted(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	name := fmt.Sprintf("queued-test-%d", time.Now().UnixNano())
	id := createJob(t, b, name, "streaming", "sleep 300")
	waitForState(t, b, id, job.StateQueued)

	ctrl, err := job.NewController(b, job.ControllerConfig{
		ProjectID:     integrationScope.ProjectID,
		JobID:         id,
		PollInterval:  500 * time.Millisecond,
		CancelTimeout: 30 * time.Second,
		DrainPipeline: true,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	if err := ctrl.Cancel(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	j, err := b.GetJob(ctx, integrationScope, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.CurrentState != job.StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", j.CurrentState)
	}
}

func TestBackend_CancelPaused(t *testing.T) {
	tests := []struct {
		name      string
		jobType   string
		script    string
		requested job.State
		expected  job.State
	}{
		{"kill", "batch", "sleep 300", job.StateCancelled, job.StateCancelled},
		{"drain", "streaming", "trap 'exit 0' TERM; while true; do sleep 0.2; done", job.StateDrained, job.StateDrained},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newIntegrationBackend(t)
			ctx := context.Background()

			id := startJob(t, b, fmt.Sprintf("paused-%s-test-%d", tt.name, time.Now().UnixNano()), tt.jobType, tt.script)
			waitForState(t, b, id, job.StateRunning)
			if err := b.client.ContainerPause(ctx, id); err != nil {
				t.Fatalf("Failed to pause container: %v", err)
			}
			waitForState(t, b, id, job.StateStopped)

			if _, err := b.UpdateJobState(ctx, integrationScope, id, tt.requested); err != nil {
				t.Fatalf("UpdateJobState failed: %v", err)
			}
			waitForState(t, b, id, tt.expected)
		})
	}
}
