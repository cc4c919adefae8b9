// Package httpapi exposes the queue to extraction workers over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	staging "github.com/therepute/human-staging-portal-redux"
)

// Queue is the engine surface the API needs.
type Queue interface {
	RequestNextTask(ctx context.Context, workerID string) (*staging.Assignment, error)
	CompleteTask(ctx context.Context, l staging.Lease, ex staging.Extraction) error
	FailTask(ctx context.Context, l staging.Lease, reason string) (staging.FailOutcome, error)
	ReleaseClaim(ctx context.Context, l staging.Lease) error
	CountExpired(ctx context.Context, timeout time.Duration) (int, error)
	ReleaseExpired(ctx context.Context, timeout time.Duration) (int, error)
	AvailableTasks(ctx context.Context, limit int) ([]staging.Candidate, error)
	Task(ctx context.Context, id string) (staging.Record, error)
	AnalyzeFields(ctx context.Context, id string) (staging.FieldAnalysis, error)
	Domains() []staging.DomainStatus
	Ping(ctx context.Context) error
}

type Server struct {
	queue  Queue
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(q Queue, logger zerolog.Logger) *Server {
	return &Server{queue: q, logger: logger, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/tasks/next", s.handleNext)
	mux.HandleFunc("POST /v1/tasks/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/tasks/fail", s.handleFail)
	mux.HandleFunc("POST /v1/tasks/release", s.handleRelease)
	mux.HandleFunc("GET /v1/tasks/available", s.handleAvailable)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /v1/tasks/{id}/fields", s.handleFields)
	mux.HandleFunc("GET /v1/maintenance/expired", s.handleExpiredCount)
	mux.HandleFunc("POST /v1/maintenance/release-expired", s.handleReleaseExpired)
	mux.HandleFunc("GET /v1/domains", s.handleDomains)
	return withRequestID(withTracing(withLogging(s.logger, withRecovery(mux))))
}

type nextRequest struct {
	WorkerID string `json:"worker_id"`
}

type nextResponse struct {
	Success     bool                `json:"success"`
	Reason      string              `json:"reason,omitempty"`
	Task        *staging.Record     `json:"task,omitempty"`
	Priority    *staging.Priority   `json:"priority,omitempty"`
	Lease       *staging.Lease      `json:"lease,omitempty"`
	Credentials *staging.Credential `json:"credentials,omitempty"`
}

// leaseRequest carries the claim identity for complete, fail and release.
type leaseRequest struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func (r leaseRequest) lease() staging.Lease {
	return staging.Lease{TaskID: r.TaskID, WorkerID: r.WorkerID, ClaimedAt: r.ClaimedAt}
}

type completeRequest struct {
	leaseRequest
	staging.Extraction
}

type failRequest struct {
	leaseRequest
	Reason string `json:"reason"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": s.now().UTC()})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	a, err := s.queue.RequestNextTask(r.Context(), req.WorkerID)
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusOK, nextResponse{Success: false, Reason: "no_task_available"})
		return
	}
	writeJSON(w, http.StatusOK, nextResponse{
		Success:     true,
		Task:        &a.Task,
		Priority:    &a.Priority,
		Lease:       &a.Lease,
		Credentials: a.Credentials,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.queue.CompleteTask(r.Context(), req.lease(), req.Extraction); err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": req.TaskID})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := s.queue.FailTask(r.Context(), req.lease(), req.Reason)
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"task_id":     req.TaskID,
		"retry_count": out.RetryCount,
		"terminal":    out.Terminal,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.queue.ReleaseClaim(r.Context(), req.lease()); err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": req.TaskID})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil || limit <= 0 || limit > 200 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	tasks, err := s.queue.AvailableTasks(r.Context(), limit)
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []staging.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(tasks), "tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": rec})
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	fa, err := s.queue.AnalyzeFields(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fa)
}

func timeoutParam(r *http.Request) (time.Duration, error) {
	minutes, err := intParam(r, "timeout_minutes", 0)
	if err != nil || minutes < 0 {
		return 0, errors.New("timeout_minutes must be a non-negative integer")
	}
	return time.Duration(minutes) * time.Minute, nil
}

func (s *Server) handleExpiredCount(w http.ResponseWriter, r *http.Request) {
	timeout, err := timeoutParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.queue.CountExpired(r.Context(), timeout)
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *Server) handleReleaseExpired(w http.ResponseWriter, r *http.Request) {
	timeout, err := timeoutParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.queue.ReleaseExpired(r.Context(), timeout)
	if err != nil {
		s.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released_count": n})
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) {
	domains := s.queue.Domains()
	if domains == nil {
		domains = []staging.DomainStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// writeQueueError maps engine errors onto status codes.
func (s *Server) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, staging.ErrInvalidLease):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, staging.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, staging.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "retryable": true})
	case staging.IsRetryable(err):
		// Already reported by the queue's error log.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "retryable": true})
	default:
		captureError(r, err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
