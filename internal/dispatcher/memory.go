package dispatcher

import (
	"context"
	"fmt"
	"jobwatch/pkg/backoff"
	"jobwatch/pkg/circuitbreaker"
	"jobwatch/pkg/cloudevent"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher queues callbacks in a bounded channel drained by a worker
// pool. Events that do not fit are dropped and counted. Queued events are
// lost on restart; the watch store keeps the outcome itself.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:       len(d.queue),
		Queued:           d.queued.Load(),
		Delivered:        d.delivered.Load(),
		Failed:           d.failed.Load(),
		Dropped:          d.dropped.Load(),
		Requeued:         d.requeued.Load(),
		RetriesTotal:     d.retriesTotal.Load(),
		BreakersTotal:    breakerStats.Total,
		BreakersOpen:     breakerStats.Open,
		UnreachableHosts: d.breakers.OpenHosts(),
	}
}

// Ready reports callback hosts whose circuit is open. A closed dispatcher
// is not ready.
func (d *MemoryDispatcher) Ready(context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if hosts := d.breakers.OpenHosts(); len(hosts) > 0 {
		return fmt.Errorf("callback hosts unreachable: %s", strings.Join(hosts, ", "))
	}
	return nil
}

// Close stops accepting events and lets the workers drain the queue.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			// Deliver what is left, then exit.
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// deliver sends one event unless its destination's circuit is open.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := callbackHost(event.Destination)
	breaker := d.breakers.Get(host)
	logger := d.logger.With("destination", host, "type", event.Payload.Type, "watchId", event.WatchID)

	if !breaker.Allow() {
		d.requeue(event, logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout())
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, event)
	// A rejecting receiver is still reachable.
	if err != nil && !cloudevent.IsClientError(err) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		logger.Warn("Callback delivery failed", "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
	logger.Debug("Callback delivered", "duration", time.Since(start))
}

// deliveryTimeout bounds one delivery including its retries.
func (d *MemoryDispatcher) deliveryTimeout() time.Duration {
	attempts := time.Duration(d.config.MaxRetries + 1)
	return attempts*d.config.HTTPTimeout + attempts*d.config.MaxBackoff
}

// requeue retries the event once the destination's cooldown has passed.
func (d *MemoryDispatcher) requeue(event *Event, logger *slog.Logger) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func(requeues int) {
		timer := time.NewTimer(d.config.BreakerCooldown)
		defer timer.Stop()

		select {
		case <-d.shutdown:
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
			logger.Debug("Callback requeued", "requeues", requeues)
		case <-d.shutdown:
		default:
			d.drop(event, "buffer full on requeue")
		}
	}(event.requeues)
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped",
		"reason", reason,
		"destination", callbackHost(event.Destination),
		"type", event.Payload.Type,
		"watchId", event.WatchID,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}
	policy := backoff.Policy{
		Retries: d.config.MaxRetries,
		Backoff: &backoff.Config{Initial: d.config.InitialBackoff, Max: d.config.MaxBackoff},
		// 4xx means the receiver rejected the event; retrying will not help.
		Retryable: func(err error) bool {
			return !cloudevent.IsClientError(err)
		},
		OnRetry: func(int, error) {
			d.retriesTotal.Add(1)
		},
	}

	return backoff.Retry(ctx, policy, func(ctx context.Context) error {
		return d.sender.Send(ctx, event.Destination, event.Payload, opts)
	})
}

// callbackHost keys circuit breakers by callback host.
func callbackHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
