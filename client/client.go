// Package client is the HTTP client for networked mode. It satisfies the
// queue.WorkerStore contract so a remote worker drives the same loop as an
// embedded one, with the server's store behind the wire.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
)

// Client talks to a whirr server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for a server URL such as http://head-node:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// do performs a request and decodes the response into out (unless nil).
// Connection failures and 5xx responses map to ErrStoreUnavailable; 404,
// 403, and 409 map to their sentinel kinds so callers can errors.Is them.
func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), "server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	var body apiError
	detail := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Detail != "" {
		detail = body.Detail
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(errors.ErrNotFound, detail)
	case resp.StatusCode == http.StatusForbidden:
		return errors.Wrap(errors.ErrNotOwner, detail)
	case resp.StatusCode == http.StatusConflict:
		return errors.Wrap(errors.ErrNotRetryable, detail)
	case resp.StatusCode >= 500:
		return errors.Wrap(errors.ErrStoreUnavailable, detail)
	default:
		return errors.Newf("server error (%d): %s", resp.StatusCode, detail)
	}
}

// Health checks the server's health endpoint.
func (c *Client) Health() error {
	var body map[string]string
	return c.do(http.MethodGet, "/health", nil, &body)
}

// SubmitResult is the response to a job submission.
type SubmitResult struct {
	JobID  int64  `json:"job_id"`
	RunID  string `json:"run_id"`
	RunDir string `json:"run_dir"`
}

// Submit enqueues a job.
func (c *Client) Submit(spec queue.JobSpec) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.do(http.MethodPost, "/api/v1/jobs", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches one job row.
func (c *Client) GetJob(id int64) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActive fetches all queued and running jobs.
func (c *Client) ListActive() ([]*queue.Job, error) {
	var body struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.do(http.MethodGet, "/api/v1/jobs", nil, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// ClaimNext claims the next queued job, or returns (nil, nil) on 204.
func (c *Client) ClaimNext(workerID string, leaseSeconds int) (*queue.Job, error) {
	req := map[string]interface{}{"worker_id": workerID, "lease_seconds": leaseSeconds}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal claim")
	}
	resp, err := c.http.Post(c.baseURL+"/api/v1/jobs/claim", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrStoreUnavailable, err.Error()), "server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp)
	}

	var job queue.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, errors.Wrap(err, "decode claimed job")
	}
	return &job, nil
}

// Renew extends a job lease and reports pending cancellation.
func (c *Client) Renew(jobID int64, workerID string, leaseSeconds int) (*queue.Lease, error) {
	req := map[string]interface{}{"worker_id": workerID, "lease_seconds": leaseSeconds}
	var lease queue.Lease
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/heartbeat", jobID), req, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// Complete records a terminal transition.
func (c *Client) Complete(jobID int64, workerID string, exitCode int, status queue.JobStatus, errorMessage string) error {
	req := map[string]interface{}{
		"worker_id":     workerID,
		"exit_code":     exitCode,
		"status":        string(status),
		"error_message": errorMessage,
	}
	return c.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/complete", jobID), req, nil)
}

// ReapExpired is a no-op for remote workers: the server's lease monitor
// owns reaping in networked mode.
func (c *Client) ReapExpired(now time.Time) ([]*queue.Job, error) {
	return nil, nil
}

// RegisterWorker registers this worker with the server.
func (c *Client) RegisterWorker(w *queue.Worker) error {
	req := map[string]interface{}{
		"worker_id": w.ID,
		"host":      w.Hostname,
		"slot":      w.Slot,
		"pid":       w.PID,
	}
	return c.do(http.MethodPost, "/api/v1/workers/register", req, nil)
}

// SetWorkerState reports worker status through the heartbeat endpoint.
func (c *Client) SetWorkerState(workerID string, status queue.WorkerStatus, currentJobID *int64) error {
	req := map[string]interface{}{
		"worker_id":      workerID,
		"status":         string(status),
		"current_job_id": currentJobID,
	}
	return c.do(http.MethodPost, "/api/v1/workers/heartbeat", req, nil)
}

// DeregisterWorker marks this worker stopped.
func (c *Client) DeregisterWorker(workerID string) error {
	req := map[string]interface{}{"worker_id": workerID}
	return c.do(http.MethodPost, "/api/v1/workers/unregister", req, nil)
}

// ListWorkers fetches all registered workers.
func (c *Client) ListWorkers() ([]*queue.Worker, error) {
	var body struct {
		Workers []*queue.Worker `json:"workers"`
	}
	if err := c.do(http.MethodGet, "/api/v1/workers", nil, &body); err != nil {
		return nil, err
	}
	return body.Workers, nil
}

// RequestCancel cancels a job, returning its status before the call.
func (c *Client) RequestCancel(id int64) (queue.JobStatus, error) {
	var body map[string]string
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", id), struct{}{}, &body); err != nil {
		return "", err
	}
	return queue.JobStatus(body["status"]), nil
}

// CancelAllQueued cancels every queued job.
func (c *Client) CancelAllQueued() (int, error) {
	var body map[string]int
	if err := c.do(http.MethodPost, "/api/v1/jobs/cancel_all", struct{}{}, &body); err != nil {
		return 0, err
	}
	return body["cancelled"], nil
}

// Retry clones a failed or cancelled job and returns the new job id.
func (c *Client) Retry(id int64) (int64, error) {
	var body map[string]int64
	if err := c.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/retry", id), struct{}{}, &body); err != nil {
		return 0, err
	}
	return body["job_id"], nil
}

// StatusCounts fetches aggregate queue and worker counts.
func (c *Client) StatusCounts() (*queue.StatusCounts, error) {
	var counts queue.StatusCounts
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// RunDetail is a run index row plus the parsed meta.json when available.
type RunDetail struct {
	Run  *queue.RunIndex        `json:"run"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// GetRun fetches one run with its parsed meta.
func (c *Client) GetRun(runID string) (*RunDetail, error) {
	var detail RunDetail
	if err := c.do(http.MethodGet, "/api/v1/runs/"+runID, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListRuns fetches run index rows with optional filters.
func (c *Client) ListRuns(f queue.RunFilter) ([]*queue.RunIndex, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	path := fmt.Sprintf("/api/v1/runs?limit=%d", limit)
	if f.Status != "" {
		path += "&status=" + f.Status
	}
	if f.Tag != "" {
		path += "&tag=" + f.Tag
	}
	var body struct {
		Runs []*queue.RunIndex `json:"runs"`
	}
	if err := c.do(http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}
