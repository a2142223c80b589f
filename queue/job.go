// Package queue implements the whirr scheduling contract: the job data
// model, the atomic claim protocol, lease renewal, orphan reaping, and the
// thin run index. Two stores implement it — an embedded SQLite store for
// single-host queues and a Postgres store fronted by the HTTP server for
// multi-host queues.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkerStatus represents the state of a registered worker
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// StartupFailureExitCode is the sentinel exit code recorded when the child
// never started (missing workdir, exec error) or when a job is cancelled
// before it ran.
const StartupFailureExitCode = -1

// Job is the scheduling unit. The command is an argv vector executed without
// shell interpretation.
type Job struct {
	ID          int64                  `json:"id"`
	Name        string                 `json:"name,omitempty"`
	CommandArgv []string               `json:"command_argv"`
	Workdir     string                 `json:"workdir"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Status      JobStatus              `json:"status"`

	Attempt     int    `json:"attempt"`
	ParentJobID *int64 `json:"parent_job_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	WorkerID       string     `json:"worker_id,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	PID  *int `json:"pid,omitempty"`
	PGID *int `json:"pgid,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	RunID string `json:"run_id,omitempty"`
}

// RunIDFor derives the run id for a queued job.
func RunIDFor(jobID int64) string {
	return fmt.Sprintf("job-%d", jobID)
}

// Worker is a registered worker row. ID has the form <host>:<slot> where
// slot is gpu<index> for an accelerator slot, or "default".
type Worker struct {
	ID           string       `json:"id"`
	PID          int          `json:"pid,omitempty"`
	Hostname     string       `json:"hostname"`
	Slot         *int         `json:"slot,omitempty"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID *int64       `json:"current_job_id,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
}

// RunIndex is the thin database row pointing at a run directory. The
// filesystem is authoritative; this row exists so listing runs does not
// require a directory scan, and it is rebuildable from disk.
type RunIndex struct {
	ID              string                 `json:"id"`
	JobID           *int64                 `json:"job_id,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Status          JobStatus              `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Summary         map[string]interface{} `json:"summary,omitempty"`
	Hostname        string                 `json:"hostname,omitempty"`
	RunDir          string                 `json:"run_dir,omitempty"`
}

// StatusCounts aggregates queue and worker state for the status surface.
type StatusCounts struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	WorkersIdle int `json:"workers_idle"`
	WorkersBusy int `json:"workers_busy"`
}

// marshalJSONColumn serializes a value for a nullable TEXT column.
func marshalJSONColumn(v interface{}) (*string, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(val) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal column")
	}
	s := string(data)
	return &s, nil
}

// unmarshalStrings decodes a JSON array column, tolerating NULL.
func unmarshalStrings(raw *string) ([]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal string array column")
	}
	return out, nil
}

// unmarshalObject decodes a JSON object column, tolerating NULL.
func unmarshalObject(raw *string) (map[string]interface{}, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal object column")
	}
	return out, nil
}
