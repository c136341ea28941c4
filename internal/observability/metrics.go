package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics:
// - HTTP: latency, traffic and errors of the API
// - Reconciler: poll rounds, wait outcomes, cancel requests
// - Backend: job-query API latency and retries
// - Watches: active sessions and their outcomes
// - Dispatcher: callback delivery
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	PollRoundsTotal     metric.Int64Counter
	JobsPolledTotal     metric.Int64Counter
	WaitOutcomesTotal   metric.Int64Counter
	CancelRequestsTotal metric.Int64Counter

	APIRequestDuration metric.Float64Histogram
	APIRequestsTotal   metric.Int64Counter
	APIRetriesTotal    metric.Int64Counter

	WatchesActive metric.Int64UpDownCounter
	WatchesTotal  metric.Int64Counter
	WatchDuration metric.Float64Histogram

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("jobwatch")}
	if err := m.register(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) register() error {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		return h
	}

	m.HTTPRequestDuration = histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.PollRoundsTotal = counter("reconciler_poll_rounds_total", "Total number of job polling rounds")
	m.JobsPolledTotal = counter("reconciler_jobs_polled_total", "Total number of job states observed")
	m.WaitOutcomesTotal = counter("reconciler_wait_outcomes_total", "Total number of finished waits by outcome")
	m.CancelRequestsTotal = counter("reconciler_cancel_requests_total", "Total number of job state update requests")

	m.APIRequestDuration = histogram("backend_request_duration_seconds", "Job-query API latency in seconds",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.APIRequestsTotal = counter("backend_requests_total", "Total number of job-query API requests")
	m.APIRetriesTotal = counter("backend_retries_total", "Total number of job-query API retries")

	m.WatchesTotal = counter("watches_total", "Total number of finished watches by outcome")
	m.WatchDuration = histogram("watch_duration_seconds", "Watch duration in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200)
	if err != nil {
		return err
	}
	if m.WatchesActive, err = m.meter.Int64UpDownCounter("watches_active",
		metric.WithDescription("Number of running watches (saturation)")); err != nil {
		return err
	}

	m.DispatcherDuration = histogram("dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	if err != nil {
		return err
	}
	m.DispatcherQueueSize, err = m.meter.Int64Gauge("dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"))
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPollRound records one polling round over jobs.
func (m *Metrics) RecordPollRound(ctx context.Context, operation string, jobs int) {
	attrs := metric.WithAttributes(operationAttr(operation))
	m.PollRoundsTotal.Add(ctx, 1, attrs)
	m.JobsPolledTotal.Add(ctx, int64(jobs), attrs)
}

// RecordWaitOutcome records how a wait for terminal states ended.
func (m *Metrics) RecordWaitOutcome(ctx context.Context, outcome string) {
	m.WaitOutcomesTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordCancelRequest records a requested state change.
func (m *Metrics) RecordCancelRequest(ctx context.Context, state string) {
	m.CancelRequestsTotal.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordAPIRequest records one job-query API call.
func (m *Metrics) RecordAPIRequest(ctx context.Context, backend, operation, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), operationAttr(operation), outcomeAttr(outcome))
	m.APIRequestDuration.Record(ctx, durationSeconds, attrs)
	m.APIRequestsTotal.Add(ctx, 1, attrs)
}

// RecordAPIRetry records a retried job-query API call.
func (m *Metrics) RecordAPIRetry(ctx context.Context, backend, operation string) {
	m.APIRetriesTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), operationAttr(operation)))
}

// RecordWatchStarted records a watch entering the running state.
func (m *Metrics) RecordWatchStarted(ctx context.Context) {
	m.WatchesActive.Add(ctx, 1)
}

// RecordWatchFinished records a watch ending with the given outcome.
func (m *Metrics) RecordWatchFinished(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.WatchesActive.Add(ctx, -1)
	m.WatchesTotal.Add(ctx, 1, attrs)
	m.WatchDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
