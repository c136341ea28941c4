// Package docker implements job.API on top of the Docker API.
// Containers labelled jobwatch.managed=true on the host daemon are treated as jobs.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// MetricsRecorder is an optional interface for recording Docker API calls.
type MetricsRecorder interface {
	RecordAPIRequest(ctx context.Context, backend, operation, outcome string, durationSeconds float64)
}

// Backend implements job.API using Docker containers.
type Backend struct {
	client  *client.Client
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	cancelMaintenance context.CancelFunc
	maintenanceWg     sync.WaitGroup
}

// New creates a Docker backend. metrics may be nil.
// When cfg.JobRetention is set, finished job containers are pruned in the background.
func New(cfg Config, metrics MetricsRecorder) (*Backend, error) {
	cfg = cfg.withDefaults()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	b := &Backend{
		client:  dockerClient,
		cfg:     cfg,
		logger:  slog.With("component", "docker"),
		metrics: metrics,
	}

	if cfg.JobRetention > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelMaintenance = cancel
		b.maintenanceWg.Add(1)
		go func() {
			defer b.maintenanceWg.Done()
			b.runMaintenance(ctx, cfg.MaintenanceInterval)
		}()
	}

	return b, nil
}

// GetJob inspects one job container.
func (b *Backend) GetJob(ctx context.Context, scope job.Scope, jobID string) (*job.Job, error) {
	info, err := b.scoped(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}
	j := jobFromContainer(info)
	return &j, nil
}

// ListJobs returns every job container in scope as a single page.
func (b *Backend) ListJobs(ctx context.Context, scope job.Scope, pageToken string) (*job.ListJobsResponse, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	if scope.ProjectID != "" {
		args.Add("label", LabelProject+"="+scope.ProjectID)
	}

	start := time.Now()
	containers, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	b.observe(ctx, "listJobs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	resp := &job.ListJobsResponse{Jobs: make([]job.Job, 0, len(containers))}
	for _, c := range containers {
		info, err := b.inspect(ctx, "getJob", c.ID)
		if err != nil {
			// Removed between list and inspect
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if info.managed(scope) {
			resp.Jobs = append(resp.Jobs, jobFromContainer(info))
		}
	}
	return resp, nil
}

// ListJobMessages returns one page of the container's log lines. Docker has
// no autoscaling, so no events are ever reported.
func (b *Backend) ListJobMessages(ctx context.Context, scope job.Scope, jobID, pageToken string) (*job.ListJobMessagesResponse, error) {
	info, err := b.scoped(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logs, err := b.client.ContainerLogs(ctx, info.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		b.observe(ctx, "listJobMessages", start, err)
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	lines, err := readLogLines(logs, info.Tty)
	b.observe(ctx, "listJobMessages", start, err)
	if err != nil {
		return nil, err
	}
	return messagePage(lines, pageToken, b.cfg.MessagePageSize)
}

// GetJobMetrics reports a one-shot resource usage sample of the container.
func (b *Backend) GetJobMetrics(ctx context.Context, scope job.Scope, jobID string) (*job.JobMetrics, error) {
	info, err := b.scoped(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stats, err := b.client.ContainerStatsOneShot(ctx, info.ID)
	if err != nil {
		b.observe(ctx, "getJobMetrics", start, err)
		return nil, fmt.Errorf("failed to get container stats: %w", err)
	}
	defer stats.Body.Close()

	var snap statsSnapshot
	err = json.NewDecoder(stats.Body).Decode(&snap)
	b.observe(ctx, "getJobMetrics", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return metricsFromStats(snap, time.Now()), nil
}

// UpdateJobState kills the container for CANCELLED and stops it gracefully
// for DRAINED. Paused containers are resumed first. A container that never
// started is started and killed at once so it settles as CANCELLED.
func (b *Backend) UpdateJobState(ctx context.Context, scope job.Scope, jobID string, requested job.State) (*job.Job, error) {
	info, err := b.scoped(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}
	if requested != job.StateCancelled && requested != job.StateDrained {
		return nil, apperrors.Validation("requestedState",
			fmt.Sprintf("unsupported requested state %s", requested))
	}

	switch info.Status {
	case "created":
		// Nothing to drain before the first start.
		requested = job.StateCancelled
		start := time.Now()
		err = b.client.ContainerStart(ctx, info.ID, container.StartOptions{})
		b.observe(ctx, "startJob", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to start container %s for cancellation: %w", info.ID, err)
		}
	case "paused":
		start := time.Now()
		err = b.client.ContainerUnpause(ctx, info.ID)
		b.observe(ctx, "unpauseJob", start, err)
		if err != nil && !client.IsErrNotFound(err) {
			return nil, fmt.Errorf("failed to unpause container %s: %w", info.ID, err)
		}
	}

	start := time.Now()
	if requested == job.StateCancelled {
		err = b.client.ContainerKill(ctx, info.ID, "SIGKILL")
		b.observe(ctx, "killJob", start, err)
	} else {
		timeout := int(b.cfg.DrainTimeout.Seconds())
		err = b.client.ContainerStop(ctx, info.ID, container.StopOptions{Timeout: &timeout})
		b.observe(ctx, "stopJob", start, err)
	}
	if err != nil && !client.IsErrNotFound(err) && !b.exited(ctx, info.ID) {
		return nil, fmt.Errorf("failed to update container %s: %w", info.ID, err)
	}

	j := jobFromContainer(info)
	j.RequestedState = requested
	return &j, nil
}

// exited reports whether the container is no longer running, so a kill that
// lost the race with the process exiting is not an error.
func (b *Backend) exited(ctx context.Context, id string) bool {
	info, err := b.inspect(ctx, "getJob", id)
	if err != nil {
		return errors.Is(err, apperrors.ErrNotFound)
	}
	return info.Status == "exited" || info.Status == "dead"
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close stops maintenance and releases the Docker client.
func (b *Backend) Close() error {
	if b.cancelMaintenance != nil {
		b.cancelMaintenance()
	}
	b.maintenanceWg.Wait()
	return b.client.Close()
}

// scoped inspects a container and verifies it is a job in scope.
func (b *Backend) scoped(ctx context.Context, scope job.Scope, jobID string) (containerInfo, error) {
	info, err := b.inspect(ctx, "getJob", jobID)
	if err != nil {
		return containerInfo{}, err
	}
	if !info.managed(scope) {
		return containerInfo{}, apperrors.NotFound("job", jobID)
	}
	return info, nil
}

func (b *Backend) inspect(ctx context.Context, op, id string) (containerInfo, error) {
	start := time.Now()
	resp, err := b.client.ContainerInspect(ctx, id)
	b.observe(ctx, op, start, err)
	if err != nil {
		if client.IsErrNotFound(err) {
			return containerInfo{}, apperrors.NotFound("job", id)
		}
		return containerInfo{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	info := containerInfo{
		ID:      resp.ID,
		Name:    resp.Name,
		Created: resp.Created,
	}
	if resp.State != nil {
		info.Status = string(resp.State.Status)
		info.ExitCode = resp.State.ExitCode
		info.OOMKilled = resp.State.OOMKilled
		info.StartedAt = resp.State.StartedAt
		info.FinishedAt = resp.State.FinishedAt
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
		info.Tty = resp.Config.Tty
	}
	return info, nil
}

func (b *Backend) observe(ctx context.Context, op string, start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	b.metrics.RecordAPIRequest(ctx, "docker", op, outcome, time.Since(start).Seconds())
}

// runMaintenance periodically removes finished job containers.
func (b *Backend) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pruneFinished(ctx, time.Now())
		}
	}
}

func (b *Backend) pruneFinished(ctx context.Context, now time.Time) {
	logger := b.logger.With("op", "maintenance")

	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManaged+"=true"),
			filters.Arg("status", "exited"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		logger.Warn("Failed to list finished containers", "error", err)
		return
	}

	removed := 0
	for _, c := range containers {
		info, err := b.inspect(ctx, "getJob", c.ID)
		if err != nil {
			continue
		}
		if !expired(info, now, b.cfg.JobRetention) {
			continue
		}
		if err := b.client.ContainerRemove(ctx, info.ID, container.RemoveOptions{}); err != nil {
			logger.Warn("Failed to remove container", "jobId", info.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("Maintenance complete", "removed", removed)
	}
}

// expired reports whether a finished container has outlived the retention period.
func expired(info containerInfo, now time.Time, retention time.Duration) bool {
	if info.Status != "exited" && info.Status != "dead" {
		return false
	}
	finishedAt := parseDockerTime(info.FinishedAt)
	if finishedAt.IsZero() {
		return false
	}
	return now.Sub(finishedAt) > retention
}

// statsSnapshot is the subset of the Docker stats document reported as metrics.
type statsSnapshot struct {
	Read     time.Time `json:"read"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		OnlineCPUs uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func metricsFromStats(s statsSnapshot, now time.Time) *job.JobMetrics {
	metricTime := s.Read
	if metricTime.Year() <= 1 {
		metricTime = now
	}

	var rx, tx uint64
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	update := func(name, kind string, v uint64) job.MetricUpdate {
		return job.MetricUpdate{
			Name:       job.MetricName{Origin: "docker", Name: name},
			Kind:       kind,
			Scalar:     json.RawMessage(strconv.FormatUint(v, 10)),
			UpdateTime: metricTime,
		}
	}

	return &job.JobMetrics{
		MetricTime: metricTime,
		Metrics: []job.MetricUpdate{
			update("CpuTotalUsageNanos", "Sum", s.CPUStats.CPUUsage.TotalUsage),
			update("OnlineCpus", "Latest", uint64(s.CPUStats.OnlineCPUs)),
			update("MemoryUsageBytes", "Latest", s.MemoryStats.Usage),
			update("MemoryLimitBytes", "Latest", s.MemoryStats.Limit),
			update("Pids", "Latest", s.PidsStats.Current),
			update("NetworkRxBytes", "Sum", rx),
			update("NetworkTxBytes", "Sum", tx),
		},
	}
}

// Verify Backend implements job.API
var _ job.API = (*Backend)(nil)
