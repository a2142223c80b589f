package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/runs"
)

// pollTick is how often the supervision loop wakes to check the child and
// the force flag. Lease renewal happens on its own slower cadence.
const pollTick = 500 * time.Millisecond

// Config tunes one supervision span.
type Config struct {
	HeartbeatInterval time.Duration
	Grace             time.Duration // SIGTERM→SIGKILL window
	LeaseSeconds      int
}

// Result is the terminal outcome of a supervised job.
type Result struct {
	ExitCode     int
	Status       queue.JobStatus
	ErrorMessage string
}

// Supervisor runs claimed jobs as supervised child process groups, renewing
// the job lease while the child is alive and enforcing cancellation.
type Supervisor struct {
	store  queue.WorkerStore
	cfg    Config
	logger *zap.SugaredLogger
}

// New creates a supervisor bound to a store and worker configuration.
func New(store queue.WorkerStore, cfg Config, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{store: store, cfg: cfg, logger: logger.Named("supervisor")}
}

// ChildEnv builds the environment injected into the child process. The
// accelerator visibility variable is set only when a slot is assigned;
// it is advisory - the scheduler cannot force a script to honor it.
func ChildEnv(jobID int64, runID, runDir string, slot *int) map[string]string {
	env := map[string]string{
		"WHIRR_JOB_ID":  strconv.FormatInt(jobID, 10),
		"WHIRR_RUN_ID":  runID,
		"WHIRR_RUN_DIR": runDir,
	}
	if slot != nil {
		env["CUDA_VISIBLE_DEVICES"] = strconv.Itoa(*slot)
	}
	return env
}

// Run supervises one claimed job to a terminal state. The returned error is
// non-nil only when the worker lost ownership (ErrNotOwner): the child group
// has been killed and the caller must not write any further job state.
//
// Startup failures (missing workdir, exec error) do not raise: they are
// recorded in output.log and reported as failed with exit code -1.
func (s *Supervisor) Run(job *queue.Job, workerID, runDir string, slot *int, forceStop func() bool) (*Result, error) {
	if info, err := os.Stat(job.Workdir); err != nil || !info.IsDir() {
		return s.startupFailure(runDir, fmt.Sprintf("workdir does not exist: %s", job.Workdir)), nil
	}

	env := ChildEnv(job.ID, job.RunID, runDir, slot)
	runner := NewRunner(job.CommandArgv, job.Workdir, runDir, env)
	if err := runner.Start(); err != nil {
		return s.startupFailure(runDir, fmt.Sprintf("failed to start command: %v", err)), nil
	}

	s.logger.Infow("Child started",
		"job_id", job.ID,
		"pid", runner.PID(),
		"pgid", runner.PGID(),
		"command", job.CommandArgv[0],
	)

	if recorder, ok := s.store.(queue.ProcessRecorder); ok {
		if err := recorder.RecordProcess(job.ID, runner.PID(), runner.PGID()); err != nil {
			s.logger.Warnw("Failed to record process info", "job_id", job.ID, "error", err)
		}
	}

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	lastRenew := time.Now()
	renewWait := s.cfg.HeartbeatInterval
	renewFailures := 0
	cancelObserved := false

	for {
		select {
		case <-runner.Done():
			exit := runner.ExitCode()
			return s.finalResult(job.ID, exit, cancelObserved, ""), nil

		case <-ticker.C:
			if forceStop() {
				s.logger.Warnw("Force stop requested, terminating child group", "job_id", job.ID)
				exit := runner.Kill(s.cfg.Grace)
				return s.finalResult(job.ID, exit, true, "job cancelled by shutdown"), nil
			}

			if time.Since(lastRenew) < renewWait {
				continue
			}

			lease, err := s.store.Renew(job.ID, workerID, s.cfg.LeaseSeconds)
			lastRenew = time.Now()
			renewWait = s.cfg.HeartbeatInterval
			switch {
			case err == nil:
				renewFailures = 0
				if lease.CancelRequested && !cancelObserved {
					cancelObserved = true
					s.logger.Infow("Cancellation observed, terminating child group",
						"job_id", job.ID, "grace", s.cfg.Grace)
					exit := runner.Kill(s.cfg.Grace)
					return s.finalResult(job.ID, exit, true, "job cancelled"), nil
				}
			case errors.IsNotOwner(err):
				// Lease lost: the job has been reaped and may already be
				// running elsewhere. Kill our child group and abandon
				// without writing further state.
				s.logger.Errorw("Lease lost, abandoning job", "job_id", job.ID, "worker_id", workerID)
				runner.Kill(s.cfg.Grace)
				return nil, err
			case errors.IsStoreUnavailable(err):
				renewFailures++
				// Retry with exponential backoff from 1s, bounded by the
				// heartbeat interval
				renewWait = min(time.Second<<min(renewFailures-1, 5), s.cfg.HeartbeatInterval)
				s.logger.Warnw("Lease renewal failed, store unavailable",
					"job_id", job.ID, "consecutive_failures", renewFailures, "error", err)
			default:
				renewFailures++
				s.logger.Errorw("Lease renewal failed",
					"job_id", job.ID, "consecutive_failures", renewFailures, "error", err)
			}
		}
	}
}

func (s *Supervisor) finalResult(jobID int64, exitCode int, cancelObserved bool, message string) *Result {
	result := &Result{ExitCode: exitCode, ErrorMessage: message}
	switch {
	case cancelObserved:
		result.Status = queue.StatusCancelled
		if result.ErrorMessage == "" {
			result.ErrorMessage = "job cancelled"
		}
	case exitCode == 0:
		result.Status = queue.StatusCompleted
	default:
		result.Status = queue.StatusFailed
	}
	s.logger.Infow("Child finished",
		"job_id", jobID,
		"exit_code", exitCode,
		"status", result.Status,
	)
	return result
}

// startupFailure records a launch error in output.log and reports the job
// failed with the exit sentinel, without raising into the worker loop.
func (s *Supervisor) startupFailure(runDir, message string) *Result {
	s.logger.Errorw("Job startup failure", "error", message)

	if err := runs.Ensure(runDir); err == nil {
		logPath := filepath.Join(runDir, runs.OutputLogFile)
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			fmt.Fprintf(f, "whirr: %s\n", message)
			f.Close()
		}
	}

	return &Result{
		ExitCode:     queue.StartupFailureExitCode,
		Status:       queue.StatusFailed,
		ErrorMessage: message,
	}
}
