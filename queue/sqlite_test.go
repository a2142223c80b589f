package queue_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/internal/whirrtest"
	"github.com/syntropy-systems-oss/whirr/queue"
)

func enqueueSleep(t *testing.T, store *queue.SQLiteStore, name string) *queue.Job {
	t.Helper()
	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "sleep 60"},
		Workdir:     "/tmp",
		Name:        name,
		Tags:        []string{"test"},
	})
	require.NoError(t, err)
	return job
}

func TestEnqueue(t *testing.T) {
	store := whirrtest.CreateTestStore(t)

	t.Run("assigns id and run id", func(t *testing.T) {
		job, err := store.Enqueue(queue.JobSpec{
			CommandArgv: []string{"/bin/echo", "hello"},
			Workdir:     "/tmp",
			Name:        "baseline",
			Tags:        []string{"smoke"},
			Config:      map[string]interface{}{"lr": 0.01},
		})
		require.NoError(t, err)

		assert.Equal(t, queue.StatusQueued, job.Status)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, fmt.Sprintf("job-%d", job.ID), job.RunID)
		assert.Equal(t, []string{"/bin/echo", "hello"}, job.CommandArgv)
		assert.Nil(t, job.StartedAt)
		assert.Empty(t, job.WorkerID)
	})

	t.Run("rejects empty argv", func(t *testing.T) {
		_, err := store.Enqueue(queue.JobSpec{Workdir: "/tmp"})
		assert.Error(t, err)
	})

	t.Run("rejects relative workdir", func(t *testing.T) {
		_, err := store.Enqueue(queue.JobSpec{
			CommandArgv: []string{"/bin/true"},
			Workdir:     "relative/path",
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid workdir")
	})
}

func TestClaimNext(t *testing.T) {
	t.Run("empty queue returns nil", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("claims oldest first", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		first := enqueueSleep(t, store, "first")
		enqueueSleep(t, store, "second")

		claimed, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, queue.StatusRunning, claimed.Status)
		assert.Equal(t, "host:default", claimed.WorkerID)
		require.NotNil(t, claimed.StartedAt)
		require.NotNil(t, claimed.LeaseExpiresAt)
		assert.True(t, claimed.LeaseExpiresAt.After(*claimed.StartedAt))
	})

	t.Run("no two workers observe the same job", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		const jobs = 8
		for i := 0; i < jobs; i++ {
			enqueueSleep(t, store, fmt.Sprintf("job-%d", i))
		}

		var mu sync.Mutex
		claimedBy := make(map[int64]string)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				id := fmt.Sprintf("host:gpu%d", worker)
				for {
					job, err := store.ClaimNext(id, 60)
					if err != nil {
						// Busy contention surfaces as StoreUnavailable; retry
						if errors.IsStoreUnavailable(err) {
							continue
						}
						t.Errorf("claim failed: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					prev, dup := claimedBy[job.ID]
					claimedBy[job.ID] = id
					mu.Unlock()
					if dup {
						t.Errorf("job %d claimed by both %s and %s", job.ID, prev, id)
					}
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, claimedBy, jobs)
	})
}

func TestRenew(t *testing.T) {
	t.Run("extends lease and reports cancellation", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "renewable")
		claimed, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		lease, err := store.Renew(job.ID, "host:default", 60)
		require.NoError(t, err)
		assert.False(t, lease.CancelRequested)
		assert.True(t, lease.ExpiresAt.After(time.Now()))

		_, err = store.RequestCancel(job.ID)
		require.NoError(t, err)

		lease, err = store.Renew(job.ID, "host:default", 60)
		require.NoError(t, err)
		assert.True(t, lease.CancelRequested)
	})

	t.Run("wrong worker is NotOwner", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "owned")
		_, err := store.ClaimNext("host:gpu0", 60)
		require.NoError(t, err)

		_, err = store.Renew(job.ID, "host:gpu1", 60)
		assert.True(t, errors.IsNotOwner(err))
	})

	t.Run("expired lease is NotOwner", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "expiring")
		_, err := store.ClaimNext("host:default", 1)
		require.NoError(t, err)

		// Within the lease window renewal succeeds
		_, err = store.Renew(job.ID, "host:default", 1)
		require.NoError(t, err)

		time.Sleep(1100 * time.Millisecond)

		_, err = store.Renew(job.ID, "host:default", 1)
		assert.True(t, errors.IsNotOwner(err))
	})

	t.Run("queued job is NotOwner", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "never-claimed")
		_, err := store.Renew(job.ID, "host:default", 60)
		assert.True(t, errors.IsNotOwner(err))
	})
}

func TestComplete(t *testing.T) {
	t.Run("terminal fields set and worker cleared", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "finishing")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		require.NoError(t, store.Complete(job.ID, "host:default", 0, queue.StatusCompleted, ""))

		final, err := store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, final.Status)
		require.NotNil(t, final.ExitCode)
		assert.Equal(t, 0, *final.ExitCode)
		require.NotNil(t, final.FinishedAt)
		assert.Empty(t, final.WorkerID)
		assert.Nil(t, final.LeaseExpiresAt)
	})

	t.Run("unknown job is NotFound", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		err := store.Complete(999, "host:default", 0, queue.StatusCompleted, "")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("reaped job is NotOwner", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "reaped")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		store.SetHeartbeatTimeout(0)
		time.Sleep(10 * time.Millisecond)
		requeued, err := store.ReapExpired(time.Now())
		require.NoError(t, err)
		require.Len(t, requeued, 1)

		err = store.Complete(job.ID, "host:default", 0, queue.StatusCompleted, "")
		assert.True(t, errors.IsNotOwner(err))
	})
}

func TestRequestCancel(t *testing.T) {
	t.Run("queued cancels synchronously", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "doomed")

		prev, err := store.RequestCancel(job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusQueued, prev)

		final, err := store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCancelled, final.Status)
		require.NotNil(t, final.FinishedAt)
		require.NotNil(t, final.ExitCode)
	})

	t.Run("running sets flag only", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "running")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		prev, err := store.RequestCancel(job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusRunning, prev)

		flagged, err := store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusRunning, flagged.Status)
		require.NotNil(t, flagged.CancelRequestedAt)
	})

	t.Run("idempotent", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "twice")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		_, err = store.RequestCancel(job.ID)
		require.NoError(t, err)
		first, err := store.GetJob(job.ID)
		require.NoError(t, err)

		_, err = store.RequestCancel(job.ID)
		require.NoError(t, err)
		second, err := store.GetJob(job.ID)
		require.NoError(t, err)

		assert.Equal(t, first.CancelRequestedAt.UnixNano(), second.CancelRequestedAt.UnixNano())
	})

	t.Run("unknown job is NotFound", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		_, err := store.RequestCancel(12345)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestCancelAllQueued(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	running := enqueueSleep(t, store, "a")
	enqueueSleep(t, store, "b")
	enqueueSleep(t, store, "c")
	// ClaimNext takes the oldest queued job, "a"
	_, err := store.ClaimNext("host:default", 60)
	require.NoError(t, err)

	count, err := store.CancelAllQueued()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	still, err := store.GetJob(running.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, still.Status)
}

func TestRetry(t *testing.T) {
	store := whirrtest.CreateTestStore(t)

	t.Run("clones failed job with attempt+1", func(t *testing.T) {
		job, err := store.Enqueue(queue.JobSpec{
			CommandArgv: []string{"/bin/false"},
			Workdir:     "/tmp",
			Name:        "flaky",
			Tags:        []string{"exp", "v2"},
		})
		require.NoError(t, err)
		_, err = store.ClaimNext("host:default", 60)
		require.NoError(t, err)
		require.NoError(t, store.Complete(job.ID, "host:default", 1, queue.StatusFailed, ""))

		retried, err := store.Retry(job.ID)
		require.NoError(t, err)
		assert.NotEqual(t, job.ID, retried.ID)
		assert.Equal(t, job.CommandArgv, retried.CommandArgv)
		assert.Equal(t, job.Workdir, retried.Workdir)
		assert.Equal(t, job.Name, retried.Name)
		assert.Equal(t, job.Tags, retried.Tags)
		assert.Equal(t, 2, retried.Attempt)
		require.NotNil(t, retried.ParentJobID)
		assert.Equal(t, job.ID, *retried.ParentJobID)
		assert.Equal(t, queue.StatusQueued, retried.Status)
	})

	t.Run("rejects non-terminal jobs", func(t *testing.T) {
		job := enqueueSleep(t, store, "still-queued")
		_, err := store.Retry(job.ID)
		assert.True(t, errors.Is(err, errors.ErrNotRetryable))
	})

	t.Run("rejects completed jobs", func(t *testing.T) {
		job := enqueueSleep(t, store, "done")
		_, err := store.ClaimNext("host:gpu7", 60)
		require.NoError(t, err)
		// The claim above may have grabbed an older queued job from the
		// sibling subtest; drain until ours is running.
		for {
			got, err := store.GetJob(job.ID)
			require.NoError(t, err)
			if got.Status == queue.StatusRunning {
				break
			}
			_, err = store.ClaimNext("host:gpu7", 60)
			require.NoError(t, err)
		}
		require.NoError(t, store.Complete(job.ID, "host:gpu7", 0, queue.StatusCompleted, ""))

		_, err = store.Retry(job.ID)
		assert.True(t, errors.Is(err, errors.ErrNotRetryable))
	})
}

func TestReapExpired(t *testing.T) {
	t.Run("stale heartbeat requeued with attempt incremented", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		job := enqueueSleep(t, store, "orphan")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		store.SetHeartbeatTimeout(0)
		time.Sleep(10 * time.Millisecond)

		requeued, err := store.ReapExpired(time.Now())
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		assert.Equal(t, job.ID, requeued[0].ID)
		assert.Equal(t, queue.StatusQueued, requeued[0].Status)
		assert.Equal(t, 2, requeued[0].Attempt)
		assert.Empty(t, requeued[0].WorkerID)
		assert.Nil(t, requeued[0].StartedAt)
		assert.Nil(t, requeued[0].HeartbeatAt)
	})

	t.Run("fresh lease untouched", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		enqueueSleep(t, store, "healthy")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		requeued, err := store.ReapExpired(time.Now())
		require.NoError(t, err)
		assert.Empty(t, requeued)
	})

	t.Run("idempotent within one window", func(t *testing.T) {
		store := whirrtest.CreateTestStore(t)
		enqueueSleep(t, store, "once")
		_, err := store.ClaimNext("host:default", 60)
		require.NoError(t, err)

		store.SetHeartbeatTimeout(0)
		time.Sleep(10 * time.Millisecond)

		first, err := store.ReapExpired(time.Now())
		require.NoError(t, err)
		assert.Len(t, first, 1)

		second, err := store.ReapExpired(time.Now())
		require.NoError(t, err)
		assert.Empty(t, second)
	})
}

func TestStatusCounts(t *testing.T) {
	store := whirrtest.CreateTestStore(t)

	enqueueSleep(t, store, "q1")
	running := enqueueSleep(t, store, "r1")
	_, err := store.ClaimNext("host:default", 60)
	require.NoError(t, err)
	// The first claim took q1; finish it failed and claim the next
	require.NoError(t, store.Complete(running.ID-1, "host:default", 1, queue.StatusFailed, ""))
	_, err = store.ClaimNext("host:default", 60)
	require.NoError(t, err)

	require.NoError(t, store.RegisterWorker(&queue.Worker{ID: "host:default", Hostname: "host"}))

	counts, err := store.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
	assert.Equal(t, 1, counts.Running)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.WorkersIdle)
}

func TestRunIndex(t *testing.T) {
	store := whirrtest.CreateTestStore(t)

	t.Run("create, get, complete", func(t *testing.T) {
		// runs.job_id references jobs(id); the fresh store's first job is id 1
		enqueueSleep(t, store, "baseline")
		jobID := int64(1)
		require.NoError(t, store.CreateRun(&queue.RunIndex{
			ID:       "job-1",
			JobID:    &jobID,
			Name:     "baseline",
			Tags:     []string{"exp"},
			Hostname: "host",
			RunDir:   "/data/runs/job-1",
		}))

		run, err := store.GetRun("job-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusRunning, run.Status)
		assert.Equal(t, "baseline", run.Name)

		require.NoError(t, store.CompleteRun("job-1", queue.StatusCompleted,
			map[string]interface{}{"final_loss": 0.1}))

		run, err = store.GetRun("job-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, run.Status)
		require.NotNil(t, run.FinishedAt)
		require.NotNil(t, run.DurationSeconds)
		assert.Equal(t, 0.1, run.Summary["final_loss"])

		byJob, err := store.GetRunByJobID(1)
		require.NoError(t, err)
		assert.Equal(t, "job-1", byJob.ID)
	})

	t.Run("list with filters", func(t *testing.T) {
		require.NoError(t, store.CreateRun(&queue.RunIndex{ID: "local-a", Tags: []string{"sweep"}}))
		require.NoError(t, store.CreateRun(&queue.RunIndex{ID: "local-b"}))

		all, err := store.ListRuns(queue.RunFilter{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 3)

		tagged, err := store.ListRuns(queue.RunFilter{Tag: "sweep"})
		require.NoError(t, err)
		require.Len(t, tagged, 1)
		assert.Equal(t, "local-a", tagged[0].ID)

		completed, err := store.ListRuns(queue.RunFilter{Status: "completed"})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "job-1", completed[0].ID)
	})

	t.Run("unknown run is NotFound", func(t *testing.T) {
		_, err := store.GetRun("job-999")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestWorkerRegistry(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	slot := 0

	require.NoError(t, store.RegisterWorker(&queue.Worker{
		ID:       "host:gpu0",
		PID:      4242,
		Hostname: "host",
		Slot:     &slot,
	}))

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, queue.WorkerIdle, workers[0].Status)
	require.NotNil(t, workers[0].Slot)
	assert.Equal(t, 0, *workers[0].Slot)

	jobID := int64(7)
	require.NoError(t, store.SetWorkerState("host:gpu0", queue.WorkerBusy, &jobID))
	workers, err = store.ListWorkers()
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerBusy, workers[0].Status)
	require.NotNil(t, workers[0].CurrentJobID)
	assert.Equal(t, int64(7), *workers[0].CurrentJobID)

	// Re-registration resets to idle (crash recovery path)
	require.NoError(t, store.RegisterWorker(&queue.Worker{ID: "host:gpu0", Hostname: "host", Slot: &slot}))
	workers, err = store.ListWorkers()
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerIdle, workers[0].Status)
	assert.Nil(t, workers[0].CurrentJobID)

	require.NoError(t, store.DeregisterWorker("host:gpu0"))
	workers, err = store.ListWorkers()
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerStopped, workers[0].Status)
}
