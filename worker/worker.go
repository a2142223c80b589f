// Package worker implements the long-lived worker loop: claim a job, run it
// under the supervisor while renewing its lease, finalize the run, repeat.
// One worker per accelerator is the intended deployment pattern.
package worker

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/runs"
	"github.com/syntropy-systems-oss/whirr/supervisor"
)

const (
	// flagPollTick is how often sleeps are interrupted to re-check the
	// drain/force flags.
	flagPollTick = 100 * time.Millisecond

	maxConsecutiveErrors = 5
	maxClaimBackoff      = 30 * time.Second
)

// WorkerID derives the worker identity <hostname>:<slot>.
func WorkerID(hostname string, slot *int) string {
	if slot != nil {
		return fmt.Sprintf("%s:gpu%d", hostname, *slot)
	}
	return hostname + ":default"
}

// Worker is one worker process's state.
type Worker struct {
	store    queue.WorkerStore
	sup      *supervisor.Supervisor
	id       string
	hostname string
	slot     *int
	runsDir  string
	cfg      config.WorkerConfig
	logger   *zap.SugaredLogger
	shutdown *shutdownState
}

// New creates a worker bound to a store. runsDir is the run-directory root
// (local data root in embedded mode, shared filesystem in networked mode).
func New(store queue.WorkerStore, runsDir string, slot *int, cfg config.WorkerConfig, logger *zap.SugaredLogger) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	supCfg := supervisor.Config{
		HeartbeatInterval: cfg.HeartbeatIntervalDuration(),
		Grace:             cfg.KillGraceDuration(),
		LeaseSeconds:      cfg.LeaseSeconds,
	}

	return &Worker{
		store:    store,
		sup:      supervisor.New(store, supCfg, logger),
		id:       WorkerID(hostname, slot),
		hostname: hostname,
		slot:     slot,
		runsDir:  runsDir,
		cfg:      cfg,
		logger:   logger.Named("worker"),
		shutdown: newShutdownState(),
	}
}

// ID returns the derived worker id.
func (w *Worker) ID() string {
	return w.id
}

// RequestDrain asks the worker to finish its current job and exit.
func (w *Worker) RequestDrain() { w.shutdown.RequestDrain() }

// RequestForce asks the worker to terminate its current child and exit.
func (w *Worker) RequestForce() { w.shutdown.RequestForce() }

// Run executes the worker loop until shutdown. It installs the two-stage
// signal handler, reaps orphans left by crashed workers, registers itself,
// and then claims and supervises jobs serially.
func (w *Worker) Run() error {
	stopSignals := w.shutdown.Install()
	defer stopSignals()

	if requeued, err := w.store.ReapExpired(time.Now()); err != nil {
		w.logger.Warnw("Orphan reap failed on startup", "error", err)
	} else {
		for _, job := range requeued {
			w.logger.Warnw("Requeued orphaned job",
				"job_id", job.ID,
				"name", job.Name,
				"attempt", job.Attempt,
			)
		}
	}

	if err := w.store.RegisterWorker(&queue.Worker{
		ID:       w.id,
		PID:      os.Getpid(),
		Hostname: w.hostname,
		Slot:     w.slot,
	}); err != nil {
		return errors.Wrap(err, "register worker")
	}

	w.logger.Infow("Worker started",
		"worker_id", w.id,
		"poll_interval", w.cfg.PollIntervalDuration(),
	)

	w.loop()

	if err := w.store.DeregisterWorker(w.id); err != nil {
		w.logger.Warnw("Failed to deregister worker", "error", err)
	}
	w.logger.Infow("Worker stopped", "worker_id", w.id)
	return nil
}

func (w *Worker) loop() {
	errorCount := 0
	backoff := time.Second

	for !w.shutdown.Force() {
		if w.shutdown.Drain() {
			return
		}

		job, err := w.store.ClaimNext(w.id, w.cfg.LeaseSeconds)
		if err != nil {
			errorCount++
			w.logger.Errorw("Claim failed",
				"error", err,
				"consecutive_errors", errorCount,
			)
			if errorCount >= maxConsecutiveErrors || errors.IsStoreUnavailable(err) {
				w.sleep(backoff)
				backoff = min(backoff*2, maxClaimBackoff)
			}
			continue
		}
		if errorCount > 0 {
			w.logger.Infow("Claim path recovered", "previous_error_count", errorCount)
		}
		errorCount = 0
		backoff = time.Second

		if job == nil {
			w.sleep(w.cfg.PollIntervalDuration())
			continue
		}

		w.runJob(job)
	}
}

// runJob supervises one claimed job to a terminal state and records it.
func (w *Worker) runJob(job *queue.Job) {
	w.logger.Infow("Running job",
		"job_id", job.ID,
		"name", job.Name,
		"attempt", job.Attempt,
	)

	if err := w.store.SetWorkerState(w.id, queue.WorkerBusy, &job.ID); err != nil {
		w.logger.Warnw("Failed to mark worker busy", "error", err)
	}

	runDir := runs.Dir(w.runsDir, job.RunID)
	startedAt := runs.UTCNow()
	w.seedRunDir(job, runDir, startedAt)

	result, err := w.sup.Run(job, w.id, runDir, w.slot, w.shutdown.Force)
	if err != nil {
		// Ownership lost: the job was reaped and may be running elsewhere.
		// The child group is dead; write nothing further for this job.
		w.logger.Errorw("Abandoned job after losing ownership", "job_id", job.ID, "error", err)
		w.setIdle()
		return
	}

	w.finalizeRunDir(job, runDir, startedAt, result)

	if err := w.store.Complete(job.ID, w.id, result.ExitCode, result.Status, result.ErrorMessage); err != nil {
		if errors.IsNotOwner(err) {
			w.logger.Errorw("Completion rejected, job no longer owned", "job_id", job.ID)
		} else {
			w.logger.Errorw("Failed to record completion", "job_id", job.ID, "error", err)
		}
	} else if indexer, ok := w.store.(queue.RunIndexer); ok {
		if err := indexer.CompleteRun(job.RunID, result.Status, nil); err != nil && !errors.IsNotFound(err) {
			w.logger.Warnw("Failed to finalize run index", "run_id", job.RunID, "error", err)
		}
	}

	switch result.Status {
	case queue.StatusCompleted:
		w.logger.Infow("Job completed", "job_id", job.ID)
	case queue.StatusCancelled:
		w.logger.Warnw("Job cancelled", "job_id", job.ID, "exit_code", result.ExitCode)
	default:
		w.logger.Errorw("Job failed", "job_id", job.ID, "exit_code", result.ExitCode)
	}

	w.setIdle()
}

// seedRunDir creates the run directory, writes the user config and the
// initial running meta.json, and registers the run index row when the store
// holds the index locally.
func (w *Worker) seedRunDir(job *queue.Job, runDir, startedAt string) {
	if err := runs.Ensure(runDir); err != nil {
		w.logger.Errorw("Failed to create run directory", "run_dir", runDir, "error", err)
		return
	}

	if job.Config != nil {
		if err := runs.WriteConfig(runDir, job.Config); err != nil {
			w.logger.Warnw("Failed to write run config", "run_id", job.RunID, "error", err)
		}
	}

	meta := &runs.Meta{
		RunID:      job.RunID,
		Name:       job.Name,
		Status:     string(queue.StatusRunning),
		StartedAt:  startedAt,
		Tags:       job.Tags,
		ConfigFile: runs.ConfigFile,
	}
	if err := runs.WriteMeta(runDir, meta); err != nil {
		w.logger.Errorw("Failed to seed meta.json", "run_id", job.RunID, "error", err)
	}

	if indexer, ok := w.store.(queue.RunIndexer); ok {
		if err := indexer.CreateRun(&queue.RunIndex{
			ID:       job.RunID,
			JobID:    &job.ID,
			Name:     job.Name,
			Config:   job.Config,
			Tags:     job.Tags,
			Hostname: w.hostname,
			RunDir:   runDir,
		}); err != nil {
			w.logger.Warnw("Failed to create run index row", "run_id", job.RunID, "error", err)
		}
	}
}

// finalizeRunDir writes the terminal meta.json. Corruption of an existing
// meta.json is not recoverable here; the seeded document is rewritten whole.
func (w *Worker) finalizeRunDir(job *queue.Job, runDir, startedAt string, result *supervisor.Result) {
	finishedAt := runs.UTCNow()

	var duration *float64
	if start, err := time.Parse(runs.TimeFormat, startedAt); err == nil {
		if finish, err := time.Parse(runs.TimeFormat, finishedAt); err == nil {
			d := finish.Sub(start).Seconds()
			duration = &d
		}
	}

	meta := &runs.Meta{
		RunID:           job.RunID,
		Name:            job.Name,
		Status:          string(result.Status),
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		DurationSeconds: duration,
		Tags:            job.Tags,
		ConfigFile:      runs.ConfigFile,
		ExitCode:        &result.ExitCode,
	}
	if err := runs.WriteMeta(runDir, meta); err != nil {
		w.logger.Errorw("Failed to finalize meta.json", "run_id", job.RunID, "error", err)
	}
}

func (w *Worker) setIdle() {
	if err := w.store.SetWorkerState(w.id, queue.WorkerIdle, nil); err != nil {
		w.logger.Warnw("Failed to mark worker idle", "error", err)
	}
}

// sleep waits for d, waking early on drain or force.
func (w *Worker) sleep(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if w.shutdown.Drain() || w.shutdown.Force() {
			return
		}
		time.Sleep(flagPollTick)
	}
}
