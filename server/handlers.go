package server

import (
	"net/http"
	"strconv"

	"github.com/syntropy-systems-oss/whirr/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "job id must be an integer")
		return 0, false
	}
	return id, true
}

type submitRequest struct {
	CommandArgv []string               `json:"command_argv"`
	Workdir     string                 `json:"workdir"`
	Name        string                 `json:"name,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

type submitResponse struct {
	JobID   int64  `json:"job_id"`
	RunID   string `json:"run_id"`
	RunDir  string `json:"run_dir"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.submitLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "job submission rate exceeded")
		return
	}

	var req submitRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	job, err := s.store.Enqueue(queue.JobSpec{
		CommandArgv: req.CommandArgv,
		Workdir:     req.Workdir,
		Name:        req.Name,
		Tags:        req.Tags,
		Config:      req.Config,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.logger.Infow("Job submitted", "job_id", job.ID, "name", job.Name)
	writeJSON(w, http.StatusOK, submitResponse{
		JobID:   job.ID,
		RunID:   job.RunID,
		RunDir:  s.runDirFor(job.RunID),
		Message: "Job " + strconv.FormatInt(job.ID, 10) + " created",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListActive()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type claimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id is required")
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = 60
	}

	job, err := s.store.ClaimNext(req.WorkerID, req.LeaseSeconds)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The server maintains the run index and worker row on the remote
	// worker's behalf; the worker only touches the shared filesystem.
	if err := s.store.CreateRun(&queue.RunIndex{
		ID:     job.RunID,
		JobID:  &job.ID,
		Name:   job.Name,
		Config: job.Config,
		Tags:   job.Tags,
		RunDir: s.runDirFor(job.RunID),
	}); err != nil {
		s.logger.Warnw("Failed to create run index row", "run_id", job.RunID, "error", err)
	}
	if err := s.store.SetWorkerState(req.WorkerID, queue.WorkerBusy, &job.ID); err != nil {
		s.logger.Warnw("Failed to mark worker busy", "worker_id", req.WorkerID, "error", err)
	}

	s.logger.Infow("Job claimed", "job_id", job.ID, "worker_id", req.WorkerID)
	writeJSON(w, http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = 60
	}

	lease, err := s.store.Renew(id, req.WorkerID, req.LeaseSeconds)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

type completeRequest struct {
	WorkerID     string `json:"worker_id"`
	ExitCode     int    `json:"exit_code"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	status := queue.JobStatus(req.Status)
	if !status.IsTerminal() {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be completed, failed, or cancelled")
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.store.Complete(id, req.WorkerID, req.ExitCode, status, req.ErrorMessage); err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.store.CompleteRun(job.RunID, status, nil); err != nil {
		s.logger.Warnw("Failed to finalize run index", "run_id", job.RunID, "error", err)
	}
	if err := s.store.SetWorkerState(req.WorkerID, queue.WorkerIdle, nil); err != nil {
		s.logger.Warnw("Failed to mark worker idle", "worker_id", req.WorkerID, "error", err)
	}

	s.logger.Infow("Job completed", "job_id", id, "status", status, "exit_code", req.ExitCode)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.store.RequestCancel(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Cancellation requested", "job_id", id, "previous_status", status)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleCancelAllQueued(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CancelAllQueued()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Cancelled all queued jobs", "count", count)
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.store.Retry(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Job retried", "parent_job_id", id, "job_id", job.ID, "attempt", job.Attempt)
	writeJSON(w, http.StatusOK, map[string]int64{"job_id": job.ID})
}

type registerWorkerRequest struct {
	WorkerID string `json:"worker_id"`
	Host     string `json:"host"`
	Slot     *int   `json:"slot,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id is required")
		return
	}

	err := s.store.RegisterWorker(&queue.Worker{
		ID:       req.WorkerID,
		Hostname: req.Host,
		Slot:     req.Slot,
		PID:      req.PID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Worker registered", "worker_id", req.WorkerID, "host", req.Host)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type unregisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	var req unregisterWorkerRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	if err := s.store.DeregisterWorker(req.WorkerID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infow("Worker unregistered", "worker_id", req.WorkerID)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

type workerHeartbeatRequest struct {
	WorkerID     string `json:"worker_id"`
	Status       string `json:"status,omitempty"`
	CurrentJobID *int64 `json:"current_job_id,omitempty"`
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req workerHeartbeatRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	status := queue.WorkerStatus(req.Status)
	if status == "" {
		status = queue.WorkerIdle
	}
	if err := s.store.SetWorkerState(req.WorkerID, status, req.CurrentJobID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}
