package queue

import (
	"time"
)

// JobSpec is the input to Enqueue.
type JobSpec struct {
	CommandArgv []string               `json:"command_argv"`
	Workdir     string                 `json:"workdir"`
	Name        string                 `json:"name,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// Lease is the result of a renewal: the new expiry, and whether cancellation
// has been requested. Cancellation rides the renewal path so the worker
// discovers it without a second round-trip.
type Lease struct {
	ExpiresAt       time.Time `json:"lease_expires_at"`
	CancelRequested bool      `json:"cancel_requested"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status string
	Tag    string
	Limit  int
}

// Store is the full scheduling contract. The embedded SQLite store and the
// networked Postgres store implement all of it; the HTTP client implements
// the WorkerStore subset remote workers need.
//
// All mutations are single-row transactional. ClaimNext is serializable
// against concurrent claimants: at most one caller ever observes a
// successful claim of a given job.
type Store interface {
	WorkerStore
	RunIndexer

	// Enqueue validates the spec, inserts a queued job, derives its run id,
	// and returns the stored row.
	Enqueue(spec JobSpec) (*Job, error)

	GetJob(id int64) (*Job, error)
	ListActive() ([]*Job, error)

	// RequestCancel cancels a queued job synchronously, or flags a running
	// job for its worker to observe on the next renewal. Idempotent.
	// Returns the job's status before the call.
	RequestCancel(id int64) (JobStatus, error)

	// CancelAllQueued cancels every queued job and returns the count.
	CancelAllQueued() (int, error)

	// Retry clones a failed or cancelled job with attempt+1 and
	// parent_job_id linking back to it.
	Retry(id int64) (*Job, error)

	ListWorkers() ([]*Worker, error)
	StatusCounts() (*StatusCounts, error)

	Close() error
}

// WorkerStore is the narrow interface the worker loop needs. Both stores
// satisfy it directly; in networked mode the HTTP client satisfies it
// against the server.
type WorkerStore interface {
	// ClaimNext atomically claims the oldest queued job for workerID and
	// starts its lease. Returns (nil, nil) when the queue is empty.
	ClaimNext(workerID string, leaseSeconds int) (*Job, error)

	// Renew extends the lease iff workerID still owns the job, the job is
	// running, and the current lease has not expired. Returns ErrNotOwner
	// otherwise.
	Renew(jobID int64, workerID string, leaseSeconds int) (*Lease, error)

	// Complete records the terminal transition. Returns ErrNotOwner if the
	// job is no longer owned by workerID.
	Complete(jobID int64, workerID string, exitCode int, status JobStatus, errorMessage string) error

	// ReapExpired returns expired-lease jobs to the queue, incrementing
	// their attempt counters. Idempotent. Returns the requeued jobs.
	ReapExpired(now time.Time) ([]*Job, error)

	RegisterWorker(w *Worker) error
	SetWorkerState(workerID string, status WorkerStatus, currentJobID *int64) error
	DeregisterWorker(workerID string) error
}

// RunIndexer maintains the thin run index rows. In embedded mode the worker
// calls these directly; in networked mode the server calls them on the
// worker's behalf during claim and complete.
type RunIndexer interface {
	CreateRun(run *RunIndex) error
	CompleteRun(runID string, status JobStatus, summary map[string]interface{}) error
	GetRun(runID string) (*RunIndex, error)
	GetRunByJobID(jobID int64) (*RunIndex, error)
	ListRuns(f RunFilter) ([]*RunIndex, error)
}

// ProcessRecorder is an optional capability of embedded stores: recording
// the child's pid and process group on the job row for diagnostics.
type ProcessRecorder interface {
	RecordProcess(jobID int64, pid, pgid int) error
}
