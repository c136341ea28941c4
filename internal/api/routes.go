package api

import (
	"jobwatch/internal/health"
	"jobwatch/internal/observability"
	"jobwatch/internal/watch"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *watch.Service
	Watches       *watch.Manager
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	CORSOrigin    string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Watches, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes skip authentication
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.CancelJob)
	route("GET /v1/jobs/{jobId}/running", handler.JobRunning)
	route("GET /v1/jobs/{jobId}/messages", handler.JobMessages)
	route("GET /v1/jobs/{jobId}/autoscaling-events", handler.JobAutoscalingEvents)
	route("GET /v1/jobs/{jobId}/metrics", handler.JobMetrics)

	route("POST /v1/watches", handler.CreateWatch)
	route("GET /v1/watches", handler.ListWatches)
	route("GET /v1/watches/{watchId}", handler.GetWatch)
	route("DELETE /v1/watches/{watchId}", handler.StopWatch)

	return Chain(mux,
		RecoveryMiddleware(),
		RequestIDMiddleware(),
		LoggingMiddleware(),
		MetricsMiddleware(cfg.Metrics),
		CORSMiddleware(cfg.CORSOrigin),
		ContentTypeMiddleware(),
	)
}
