// Package api provides the HTTP API handlers and routing for the jobwatch service.
package api

import (
	"encoding/json"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/health"
	"jobwatch/internal/job"
	"jobwatch/internal/watch"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobwatch API
type Handler struct {
	svc     *watch.Service
	watches *watch.Manager
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *watch.Service, watches *watch.Manager, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		watches: watches,
		health:  healthChecker,
	}
}

// JobsResponse is the body of GET /v1/jobs.
type JobsResponse struct {
	Jobs []job.Job `json:"jobs"`
}

// RunningResponse is the body of GET /v1/jobs/{jobId}/running.
type RunningResponse struct {
	JobID   string `json:"jobId"`
	Running bool   `json:"running"`
}

// MessagesResponse is the body of GET /v1/jobs/{jobId}/messages.
type MessagesResponse struct {
	JobMessages []job.Message `json:"jobMessages"`
}

// AutoscalingEventsResponse is the body of GET /v1/jobs/{jobId}/autoscaling-events.
type AutoscalingEventsResponse struct {
	AutoscalingEvents []job.AutoscalingEvent `json:"autoscalingEvents"`
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context(), query(r), r.URL.Query().Get("prefix"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	j, err := h.svc.GetJob(r.Context(), query(r), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /v1/jobs/{jobId}
// Query params: drain (bool), timeout (duration, overrides the default cancel timeout)
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	drain, err := boolParam(r, "drain")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil || timeout <= 0 {
			h.handleError(w, r, apperrors.Validation("timeout", "timeout must be a positive duration such as 30s"))
			return
		}
	}

	j, err := h.svc.CancelJob(r.Context(), query(r), jobID, drain, timeout)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// JobRunning handles GET /v1/jobs/{jobId}/running
func (h *Handler) JobRunning(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	running, err := h.svc.IsJobRunning(r.Context(), query(r), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RunningResponse{JobID: jobID, Running: running})
}

// JobMessages handles GET /v1/jobs/{jobId}/messages
func (h *Handler) JobMessages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	messages, err := h.svc.Messages(r.Context(), query(r), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if messages == nil {
		messages = []job.Message{}
	}
	h.writeJSON(w, http.StatusOK, MessagesResponse{JobMessages: messages})
}

// JobAutoscalingEvents handles GET /v1/jobs/{jobId}/autoscaling-events
func (h *Handler) JobAutoscalingEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	events, err := h.svc.AutoscalingEvents(r.Context(), query(r), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if events == nil {
		events = []job.AutoscalingEvent{}
	}
	h.writeJSON(w, http.StatusOK, AutoscalingEventsResponse{AutoscalingEvents: events})
}

// JobMetrics handles GET /v1/jobs/{jobId}/metrics
func (h *Handler) JobMetrics(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	metrics, err := h.svc.Metrics(r.Context(), query(r), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// CreateWatch handles POST /v1/watches
func (h *Handler) CreateWatch(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req watch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.watches.Start(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, created.Redacted())
}

// ListWatches handles GET /v1/watches
func (h *Handler) ListWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := h.watches.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := watch.ListResponse{Watches: make([]watch.Watch, 0, len(watches))}
	for _, wt := range watches {
		resp.Watches = append(resp.Watches, wt.Redacted())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetWatch handles GET /v1/watches/{watchId}
func (h *Handler) GetWatch(w http.ResponseWriter, r *http.Request) {
	watchID := r.PathValue("watchId")
	if watchID == "" {
		h.writeError(w, http.StatusBadRequest, "Watch ID is required")
		return
	}

	wt, err := h.watches.Get(r.Context(), watchID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wt.Redacted())
}

// StopWatch handles DELETE /v1/watches/{watchId}
// Stops polling; the jobs themselves are left alone.
func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	watchID := r.PathValue("watchId")
	if watchID == "" {
		h.writeError(w, http.StatusBadRequest, "Watch ID is required")
		return
	}

	wt, err := h.watches.Stop(r.Context(), watchID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wt.Redacted())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, even when degraded.
// Returns 503 if a critical dependency (the job backend) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	return jobID, true
}

// query reads the project and location overrides.
func query(r *http.Request) watch.Query {
	q := r.URL.Query()
	return watch.Query{ProjectID: q.Get("project"), Location: q.Get("location")}
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.Validation(name, name+" must be a boolean")
	}
	return v, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		requestLogger(r).Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		requestLogger(r).Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
