package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/internal/whirrtest"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/runs"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		HeartbeatInterval: 1,
		HeartbeatTimeout:  120,
		KillGracePeriod:   2,
		PollInterval:      1,
		LeaseSeconds:      60,
	}
}

func newTestWorker(t *testing.T, store *queue.SQLiteStore, runsDir string) *Worker {
	t.Helper()
	return New(store, runsDir, nil, testWorkerConfig(), zaptest.NewLogger(t).Sugar())
}

func waitForStatus(t *testing.T, store *queue.SQLiteStore, jobID int64, want queue.JobStatus, timeout time.Duration) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(jobID)
		return err == nil && job.Status == want
	}, timeout, 50*time.Millisecond, "job %d should reach %s", jobID, want)
	return job
}

func TestWorkerID(t *testing.T) {
	slot := 3
	assert.Equal(t, "host:gpu3", WorkerID("host", &slot))
	assert.Equal(t, "host:default", WorkerID("host", nil))
}

func TestWorkerHappyPath(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	runsDir := t.TempDir()
	w := newTestWorker(t, store, runsDir)

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "echo hello; exit 0"},
		Workdir:     "/tmp",
		Name:        "hello-world",
		Tags:        []string{"smoke"},
		Config:      map[string]interface{}{"lr": 0.01},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	final := waitForStatus(t, store, job.ID, queue.StatusCompleted, 15*time.Second)
	w.RequestDrain()
	require.NoError(t, <-done)

	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.False(t, final.FinishedAt.Before(*final.StartedAt))
	assert.Empty(t, final.WorkerID)

	runDir := runs.Dir(runsDir, job.RunID)
	output, err := os.ReadFile(filepath.Join(runDir, runs.OutputLogFile))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))

	meta, err := runs.ReadMeta(runDir)
	require.NoError(t, err)
	assert.Equal(t, "completed", meta.Status)
	assert.Equal(t, job.RunID, meta.RunID)
	require.NotNil(t, meta.ExitCode)
	assert.Equal(t, 0, *meta.ExitCode)

	cfg, err := runs.ReadConfig(runDir)
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg["lr"])

	run, err := store.GetRun(job.RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, run.Status)
	require.NotNil(t, run.JobID)
	assert.Equal(t, job.ID, *run.JobID)
}

func TestWorkerFailedJob(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	w := newTestWorker(t, store, t.TempDir())

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/false"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	final := waitForStatus(t, store, job.ID, queue.StatusFailed, 15*time.Second)
	w.RequestDrain()
	require.NoError(t, <-done)

	require.NotNil(t, final.ExitCode)
	assert.NotEqual(t, 0, *final.ExitCode)
}

func TestWorkerCancellation(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	w := newTestWorker(t, store, t.TempDir())

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "sleep 60"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	waitForStatus(t, store, job.ID, queue.StatusRunning, 10*time.Second)
	time.Sleep(200 * time.Millisecond)

	_, err = store.RequestCancel(job.ID)
	require.NoError(t, err)

	// Observed within one heartbeat, enforced within the grace window
	final := waitForStatus(t, store, job.ID, queue.StatusCancelled, 10*time.Second)
	require.NotNil(t, final.ExitCode)
	assert.NotEqual(t, 0, *final.ExitCode)

	w.RequestDrain()
	require.NoError(t, <-done)
}

func TestWorkerDrainWithEmptyQueue(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	w := newTestWorker(t, store, t.TempDir())

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(300 * time.Millisecond)
	w.RequestDrain()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drained worker did not exit")
	}

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, queue.WorkerStopped, workers[0].Status)
}

func TestTwoWorkersOneJob(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	runsDir := t.TempDir()

	slotA, slotB := 0, 1
	cfg := testWorkerConfig()
	logger := zaptest.NewLogger(t).Sugar()
	wa := New(store, runsDir, &slotA, cfg, logger)
	wb := New(store, runsDir, &slotB, cfg, logger)

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "echo once; sleep 1"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- wa.Run() }()
	go func() { doneB <- wb.Run() }()

	waitForStatus(t, store, job.ID, queue.StatusCompleted, 20*time.Second)
	wa.RequestDrain()
	wb.RequestDrain()
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)

	output, err := os.ReadFile(filepath.Join(runs.Dir(runsDir, job.RunID), runs.OutputLogFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(output), "once"), "job must run exactly once")
}

func TestWorkerOrphanRecovery(t *testing.T) {
	store := whirrtest.CreateTestStore(t)

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "echo recovered"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)

	// A worker that crashed mid-job: claimed, then never heartbeat again
	claimed, err := store.ClaimNext("deadhost:default", 60)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	store.SetHeartbeatTimeout(0)
	time.Sleep(10 * time.Millisecond)

	w := newTestWorker(t, store, t.TempDir())
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	final := waitForStatus(t, store, job.ID, queue.StatusCompleted, 15*time.Second)
	w.RequestDrain()
	require.NoError(t, <-done)

	assert.Equal(t, 2, final.Attempt, "requeued job carries an incremented attempt")
}

func TestWorkerStartupFailureFinalizesJob(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	runsDir := t.TempDir()
	w := newTestWorker(t, store, runsDir)

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/true"},
		Workdir:     "/nonexistent/workdir",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	final := waitForStatus(t, store, job.ID, queue.StatusFailed, 15*time.Second)
	w.RequestDrain()
	require.NoError(t, <-done)

	require.NotNil(t, final.ExitCode)
	assert.Equal(t, queue.StartupFailureExitCode, *final.ExitCode)

	output, err := os.ReadFile(filepath.Join(runs.Dir(runsDir, job.RunID), runs.OutputLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(output), "workdir does not exist")
}

func TestShutdownStateEscalation(t *testing.T) {
	s := newShutdownState()
	assert.False(t, s.Drain())
	assert.False(t, s.Force())

	s.RequestDrain()
	assert.True(t, s.Drain())
	assert.False(t, s.Force())

	// Repeated drain requests do not escalate
	s.RequestDrain()
	assert.False(t, s.Force())

	s.RequestForce()
	assert.True(t, s.Drain())
	assert.True(t, s.Force())
}
