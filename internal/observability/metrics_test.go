package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("Expected metrics and handler to be non-nil")
	}
}

func TestRecordAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/watches", 500, 0.001)
	metrics.RecordPollRound(ctx, "wait", 3)
	metrics.RecordWaitOutcome(ctx, "succeeded")
	metrics.RecordCancelRequest(ctx, "JOB_STATE_CANCELLED")
	metrics.RecordAPIRequest(ctx, "dataflow", "getJob", "200", 0.2)
	metrics.RecordAPIRetry(ctx, "dataflow", "getJob")
	metrics.RecordWatchStarted(ctx)
	metrics.RecordWatchFinished(ctx, "failed", 42)
	metrics.RecordDispatcherDelivered(ctx, 0.05)
	metrics.RecordDispatcherFailed(ctx)
	metrics.RecordDispatcherDropped(ctx)
	metrics.RecordDispatcherRequeued(ctx)
	metrics.RecordDispatcherQueueSize(ctx, 4)
}

func TestMetricsHandler(t *testing.T) {
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	metrics.RecordPollRound(ctx, "cancel", 1)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "reconciler_poll_rounds_total") {
		t.Errorf("Expected poll round counter in exposition, got:\n%s", body)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/", "/v1/jobs/"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/2024-01-01_00_00-123/messages", "/v1/jobs/{jobId}/messages"},
		{"/v1/watches/w-1", "/v1/watches/{watchId}"},
		{"/v2/jobs/abc", "/v2/jobs/abc"},
		{"/v1/other/abc", "/v1/other/abc"},
	}

	for _, tt := range tests {
		if result := normalizePath(tt.input); result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
