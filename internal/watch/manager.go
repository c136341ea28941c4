package watch

import (
	"context"
	"errors"
	"fmt"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/dispatcher"
	"jobwatch/internal/job"
	"jobwatch/pkg/cloudevent"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultSource is the CloudEvent source of watch callbacks.
const DefaultSource = "jobwatch/service"

const defaultMaintenanceInterval = time.Minute

// ErrManagerClosed is returned by Start after Close.
var ErrManagerClosed = errors.New("watch manager is closed")

// MetricsRecorder is an optional interface for recording watch metrics.
type MetricsRecorder interface {
	RecordWatchStarted(ctx context.Context)
	RecordWatchFinished(ctx context.Context, outcome string, durationSeconds float64)
}

// ManagerConfig holds configuration for the watch manager.
type ManagerConfig struct {
	Source              string                // CloudEvent source (default: DefaultSource)
	MaxWatches          int                   // running watches allowed at once, 0 = unlimited
	Retention           time.Duration         // how long finished watches are kept, 0 = forever
	MaintenanceInterval time.Duration         // how often finished watches are pruned (default: 1m)
	Dispatcher          dispatcher.Dispatcher // callback delivery, nil disables callbacks
	Metrics             MetricsRecorder
}

// runningWatch tracks the goroutine of one running watch.
type runningWatch struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool // set when stopped by request rather than by Close
}

// Manager runs each watch in its own goroutine with its own Controller.
//
// Watches interrupted by Close stay "running" in the store and are picked
// up again by Resume, so a persistent store lets watches survive restarts.
type Manager struct {
	service *Service
	store   Store
	cfg     ManagerConfig
	clock   job.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*runningWatch
	closed  bool
	wg      sync.WaitGroup

	cancelMaintenance context.CancelFunc
	maintenanceWg     sync.WaitGroup
}

// NewManager creates a manager and starts the retention loop when enabled.
func NewManager(service *Service, store Store, cfg ManagerConfig) *Manager {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	m := &Manager{
		service: service,
		store:   store,
		cfg:     cfg,
		clock:   service.Clock(),
		logger:  slog.With("component", "watch-manager"),
		running: make(map[string]*runningWatch),
	}

	if cfg.Retention > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancelMaintenance = cancel
		m.maintenanceWg.Add(1)
		go func() {
			defer m.maintenanceWg.Done()
			m.runMaintenance(ctx)
		}()
	}
	return m
}

// Start validates req, stores a new watch and begins polling in the background.
func (m *Manager) Start(ctx context.Context, req Request) (*Watch, error) {
	ctrl, err := m.service.Controller(&req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperrors.Unavailable("watch.start", ErrManagerClosed)
	}
	if m.cfg.MaxWatches > 0 && len(m.running) >= m.cfg.MaxWatches {
		return nil, apperrors.Unavailable("watch.start", fmt.Errorf("%d watches already running", len(m.running)))
	}

	now := m.clock.Now()
	w := &Watch{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusRunning,
		CreatedAt: now,
	}
	if err := m.store.Create(ctx, w); err != nil {
		return nil, err
	}

	builder := NewEventBuilder(w.ID, m.cfg.Source, req.Meta)
	m.dispatch(w, builder.BuildStartEvent(now, req))
	m.launch(w, ctrl)

	watchLogger(w).Info("Watch started")
	return cloneWatch(w), nil
}

// Resume restarts every watch the store still marks as running.
// It is called once at startup.
func (m *Manager) Resume(ctx context.Context) error {
	watches, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list watches: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resumed := 0
	for _, w := range watches {
		if w.Status != StatusRunning || m.running[w.ID] != nil {
			continue
		}
		logger := watchLogger(w)

		req := w.Request
		ctrl, err := m.service.Controller(&req)
		if err != nil {
			logger.Warn("Cannot resume watch", "error", err)
			m.finish(w, StatusFailed, err.Error(), nil)
			continue
		}
		m.launch(w, ctrl)
		resumed++
		logger.Info("Resumed watch")
	}

	if resumed > 0 {
		m.logger.Info("Resumed watches", "count", resumed)
	}
	return nil
}

// launch starts the polling goroutine. Caller must hold m.mu.
func (m *Manager) launch(w *Watch, ctrl *job.Controller) {
	ctx, cancel := context.WithCancel(context.Background())
	rw := &runningWatch{cancel: cancel, done: make(chan struct{})}
	m.running[w.ID] = rw

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordWatchStarted(ctx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(rw.done)
		defer cancel()
		m.run(ctx, cloneWatch(w), ctrl, rw)
	}()
}

// run waits for the watch's jobs to settle and records the outcome.
func (m *Manager) run(ctx context.Context, w *Watch, ctrl *job.Controller, rw *runningWatch) {
	logger := watchLogger(w)

	waitCtx := ctx
	if w.Request.TimeoutSeconds > 0 {
		remaining := time.Duration(w.Request.TimeoutSeconds)*time.Second - m.clock.Now().Sub(w.CreatedAt)
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, max(remaining, 0))
		defer cancel()
	}

	err := ctrl.WaitForDone(waitCtx)

	if ctx.Err() != nil && !rw.stopped.Load() {
		// Shutdown: leave the watch running in the store for Resume.
		logger.Info("Watch interrupted by shutdown")
		m.untrack(w.ID)
		return
	}

	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	jobs, jobsErr := ctrl.GetJobs(snapCtx, false)
	if jobsErr != nil {
		logger.Debug("No job snapshot for finished watch", "error", jobsErr)
	}

	status, msg := StatusSucceeded, ""
	switch {
	case err == nil:
	case rw.stopped.Load():
		status, msg = StatusStopped, "watch stopped by request"
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = StatusFailed, fmt.Sprintf("watch timed out after %ds", w.Request.TimeoutSeconds)
	default:
		status, msg = StatusFailed, err.Error()
	}

	m.mu.Lock()
	m.finish(w, status, msg, jobs)
	delete(m.running, w.ID)
	m.mu.Unlock()
}

// finish stores the outcome of w and dispatches its outcome event.
// Caller must hold m.mu.
func (m *Manager) finish(w *Watch, status Status, msg string, jobs []job.Job) {
	logger := watchLogger(w)

	w.Status = status
	w.Error = msg
	if jobs != nil {
		w.Jobs = jobs
	}
	w.FinishedAt = m.clock.Now()

	if err := m.store.Update(context.Background(), w); err != nil {
		logger.Error("Failed to store watch outcome", "error", err)
	}

	builder := NewEventBuilder(w.ID, m.cfg.Source, w.Request.Meta)
	m.dispatch(w, builder.BuildOutcomeEvent(w.FinishedAt, w))

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordWatchFinished(context.Background(), string(status), w.FinishedAt.Sub(w.CreatedAt).Seconds())
	}

	if status == StatusFailed {
		logger.Warn("Watch failed", "error", msg)
	} else {
		logger.Info("Watch finished", "status", status)
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

// dispatch queues a callback event when the watch has a matching callback.
func (m *Manager) dispatch(w *Watch, event *cloudevent.CloudEvent) {
	cb := w.Request.Callback
	if m.cfg.Dispatcher == nil || cb == nil || !FilteredEvents(event.Type, cb.Events) {
		return
	}
	if err := m.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: cb.URL,
		SigningKey:  cb.Key,
		WatchID:     w.ID,
	}); err != nil {
		watchLogger(w).Warn("Failed to dispatch event", "type", event.Type, "error", err)
	}
}

// Get returns one watch.
func (m *Manager) Get(ctx context.Context, id string) (*Watch, error) {
	return m.store.Get(ctx, id)
}

// List returns all watches, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Watch, error) {
	return m.store.List(ctx)
}

// Active returns the number of running watches.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stop stops a running watch and waits for its outcome to be stored.
// Stopping only ends the watch; the jobs it follows keep running.
func (m *Manager) Stop(ctx context.Context, id string) (*Watch, error) {
	m.mu.Lock()
	rw, ok := m.running[id]
	if !ok {
		defer m.mu.Unlock()
		w, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.IsFinished() {
			return nil, apperrors.Conflict("watch", id, "watch already finished")
		}
		// Running in the store but not here, e.g. never resumed.
		m.finish(w, StatusStopped, "watch stopped by request", nil)
		return w, nil
	}
	m.mu.Unlock()

	rw.stopped.Store(true)
	rw.cancel()

	select {
	case <-rw.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.store.Get(ctx, id)
}

// Prune removes finished watches older than the retention period.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	return m.store.DeleteFinishedBefore(ctx, m.clock.Now().Add(-m.cfg.Retention))
}

// runMaintenance periodically prunes finished watches.
func (m *Manager) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Prune(ctx)
			if err != nil {
				m.logger.Warn("Failed to prune watches", "error", err)
			} else if n > 0 {
				m.logger.Info("Pruned finished watches", "count", n)
			}
		}
	}
}

// Close interrupts every running watch and waits for the goroutines to exit.
// Interrupted watches keep their running status. The context deadline
// controls how long to wait.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, rw := range m.running {
		rw.cancel()
	}
	m.mu.Unlock()

	if m.cancelMaintenance != nil {
		m.cancelMaintenance()
	}
	m.maintenanceWg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watch manager close: %w", ctx.Err())
	}
}
