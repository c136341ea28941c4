package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobwatch/internal/testutil"
	"jobwatch/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fastConfig keeps retries and breaker cooldowns short.
func fastConfig(buffer, workers int) MemoryConfig {
	return MemoryConfig{
		BufferSize:      buffer,
		Workers:         workers,
		HTTPTimeout:     5 * time.Second,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BreakerCooldown: 200 * time.Millisecond,
	}
}

// receiver is a callback endpoint that answers with respond and keeps
// every request it saw.
type receiver struct {
	*httptest.Server
	respond func(n int32) int

	calls    atomic.Int32
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func newReceiver(t *testing.T, respond func(n int32) int) *receiver {
	t.Helper()
	rc := &receiver{respond: respond}
	rc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := rc.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.requests = append(rc.requests, r.Clone(context.Background()))
		rc.bodies = append(rc.bodies, body)
		rc.mu.Unlock()
		w.WriteHeader(rc.respond(n))
	}))
	t.Cleanup(rc.Close)
	return rc
}

func status(code int) func(int32) int {
	return func(int32) int { return code }
}

func (rc *receiver) last() (*http.Request, []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.requests) == 0 {
		return nil, nil
	}
	return rc.requests[len(rc.requests)-1], rc.bodies[len(rc.bodies)-1]
}

// startDispatcher returns a dispatcher that is closed when the test ends.
func startDispatcher(t *testing.T, cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d
}

func watchEvent(eventType, dest string) *Event {
	return &Event{
		Payload:     cloudevent.New(eventType, "jobwatch/test", "watch-1", time.Now(), map[string]any{"jobId": "j1"}),
		Destination: dest,
		WatchID:     "watch-1",
	}
}

func TestMemoryDispatcher_Delivery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		respond       func(int32) int
		wantDelivered int64
		wantFailed    int64
		wantCalls     int32
	}{
		{"accepted", status(http.StatusOK), 1, 0, 1},
		{"no content", status(http.StatusNoContent), 1, 0, 1},
		{"recovers after 503s", func(n int32) int {
			if n < 3 {
				return http.StatusServiceUnavailable
			}
			return http.StatusOK
		}, 1, 0, 3},
		{"rejected without retry", status(http.StatusBadRequest), 0, 1, 1},
		{"gives up after retries", status(http.StatusBadGateway), 0, 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc := newReceiver(t, tt.respond)
			d := startDispatcher(t, fastConfig(10, 1), nil)

			if err := d.Dispatch(watchEvent("jobwatch.watch.succeeded", rc.URL)); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			testutil.MustWaitFor(t, func() bool {
				stats := d.Stats()
				return stats.Delivered+stats.Failed == 1
			}, testutil.WithTimeout(5*time.Second), testutil.WithMessage("delivery outcome"))

			stats := d.Stats()
			if stats.Delivered != tt.wantDelivered || stats.Failed != tt.wantFailed {
				t.Errorf("Expected delivered=%d failed=%d, got %+v", tt.wantDelivered, tt.wantFailed, stats)
			}
			if rc.calls.Load() != tt.wantCalls {
				t.Errorf("Expected %d requests, got %d", tt.wantCalls, rc.calls.Load())
			}
			if stats.RetriesTotal != int64(tt.wantCalls-1) {
				t.Errorf("Expected %d retries, got %d", tt.wantCalls-1, stats.RetriesTotal)
			}
		})
	}
}

func TestMemoryDispatcher_Request(t *testing.T) {
	t.Parallel()
	rc := newReceiver(t, status(http.StatusAccepted))
	d := startDispatcher(t, fastConfig(10, 1), nil)

	event := watchEvent("jobwatch.watch.start", rc.URL+"/hooks/jobs")
	event.SigningKey = "secret-key"
	d.Dispatch(event)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))

	req, body := rc.last()
	if req.URL.Path != "/hooks/jobs" {
		t.Errorf("Expected path /hooks/jobs, got %s", req.URL.Path)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Expected cloudevents content type, got %s", ct)
	}
	if got := req.Header.Get("Ce-Type"); got != "jobwatch.watch.start" {
		t.Errorf("Expected Ce-Type jobwatch.watch.start, got %s", got)
	}
	if got := req.Header.Get("Ce-Subject"); got != "watch-1" {
		t.Errorf("Expected Ce-Subject watch-1, got %s", got)
	}
	if sig := req.Header.Get(cloudevent.SignatureHeader); !cloudevent.Verify(body, "secret-key", sig) {
		t.Errorf("Expected signature to verify, got %q", sig)
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	rc := newReceiver(t, func(int32) int {
		<-release
		return http.StatusOK
	})
	defer close(release)

	metrics := &fakeMetrics{}
	d := startDispatcher(t, fastConfig(2, 1), metrics)

	var full int
	for range 5 {
		if errors.Is(d.Dispatch(watchEvent("jobwatch.watch.succeeded", rc.URL)), ErrBufferFull) {
			full++
		}
	}

	// One event is in flight, two are buffered.
	if full < 2 {
		t.Errorf("Expected at least 2 rejected events, got %d", full)
	}
	if stats := d.Stats(); stats.Dropped != int64(full) || metrics.dropped.Load() != int64(full) {
		t.Errorf("Expected %d dropped, got stats %d metrics %d", full, stats.Dropped, metrics.dropped.Load())
	}
}

func TestMemoryDispatcher_CircuitBreaker(t *testing.T) {
	t.Parallel()
	rc := newReceiver(t, status(http.StatusServiceUnavailable))

	cfg := fastConfig(100, 1)
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Hour
	d := startDispatcher(t, cfg, nil)

	if err := d.Ready(context.Background()); err != nil {
		t.Fatalf("Expected ready dispatcher, got %v", err)
	}

	for i := range 4 {
		event := watchEvent("jobwatch.watch.succeeded", rc.URL+"/hook")
		event.WatchID = fmt.Sprintf("w-%d", i)
		d.Dispatch(event)
	}

	// Two failures open the circuit; the other events wait for the cooldown.
	testutil.MustWaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Failed == 2 && stats.Requeued == 2
	}, testutil.WithTimeout(10*time.Second), testutil.WithMessage("circuit to open"))

	host := strings.TrimPrefix(rc.URL, "http://")
	stats := d.Stats()
	if stats.BreakersOpen != 1 || len(stats.UnreachableHosts) != 1 || stats.UnreachableHosts[0] != host {
		t.Errorf("Expected %s to be unreachable, got %+v", host, stats)
	}
	err := d.Ready(context.Background())
	if err == nil || !strings.Contains(err.Error(), host) {
		t.Errorf("Expected readiness error naming %s, got %v", host, err)
	}
}

func TestMemoryDispatcher_RejectionKeepsCircuitClosed(t *testing.T) {
	t.Parallel()
	rc := newReceiver(t, status(http.StatusNotFound))

	cfg := fastConfig(10, 1)
	cfg.BreakerThreshold = 1
	d := startDispatcher(t, cfg, nil)

	for range 3 {
		d.Dispatch(watchEvent("jobwatch.watch.failed", rc.URL))
	}
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 3 }, testutil.WithTimeout(5*time.Second))

	if stats := d.Stats(); stats.BreakersOpen != 0 || stats.Requeued != 0 {
		t.Errorf("Expected closed circuit without requeues, got %+v", stats)
	}
}

func TestMemoryDispatcher_CircuitRecovers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping circuit recovery test in short mode")
	}
	t.Parallel()

	failUntil := time.Now().Add(500 * time.Millisecond)
	rc := newReceiver(t, func(int32) int {
		if time.Now().Before(failUntil) {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})

	const numEvents = 50
	d := startDispatcher(t, fastConfig(numEvents, 5), nil)
	for range numEvents {
		d.Dispatch(watchEvent("jobwatch.watch.failed", rc.URL))
	}

	// Requeued events come back after each cooldown until the receiver recovers.
	testutil.MustWaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped == numEvents
	}, testutil.WithTimeout(15*time.Second), testutil.WithMessage("all events to settle"))

	stats := d.Stats()
	if stats.Requeued == 0 {
		t.Error("Expected some events to be requeued while the circuit was open")
	}
	if stats.Delivered == 0 {
		t.Error("Expected deliveries after the circuit closed")
	}
	if len(stats.UnreachableHosts) != 0 {
		t.Errorf("Expected no unreachable hosts after recovery, got %v", stats.UnreachableHosts)
	}
}

func TestMemoryDispatcher_Close(t *testing.T) {
	t.Parallel()
	rc := newReceiver(t, status(http.StatusNoContent))

	metrics := &fakeMetrics{}
	d := NewMemory(fastConfig(20, 2), metrics)
	for range 10 {
		if err := d.Dispatch(watchEvent("jobwatch.watch.stopped", rc.URL)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rc.calls.Load() != 10 || metrics.delivered.Load() != 10 {
		t.Errorf("Expected 10 deliveries before Close returned, got %d requests and %d metrics", rc.calls.Load(), metrics.delivered.Load())
	}

	if err := d.Dispatch(watchEvent("jobwatch.watch.stopped", rc.URL)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := d.Ready(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected closed dispatcher not to be ready, got %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestCallbackHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://example.com/callback?watch=1", "example.com"},
		{"http://10.0.0.7:9000/hook", "10.0.0.7:9000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := callbackHost(tt.rawURL); got != tt.expected {
			t.Errorf("callbackHost(%q) = %q, want %q", tt.rawURL, got, tt.expected)
		}
	}
}

type fakeMetrics struct {
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func (m *fakeMetrics) RecordDispatcherDelivered(context.Context, float64) { m.delivered.Add(1) }
func (m *fakeMetrics) RecordDispatcherFailed(context.Context)             { m.failed.Add(1) }
func (m *fakeMetrics) RecordDispatcherDropped(context.Context)            { m.dropped.Add(1) }
func (m *fakeMetrics) RecordDispatcherRequeued(context.Context)           {}
func (m *fakeMetrics) RecordDispatcherQueueSize(context.Context, int64)   {}
