package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/internal/whirrtest"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/server"
)

// The client is queue.WorkerStore; remote workers drive the same loop as
// embedded ones.
var _ queue.WorkerStore = (*Client)(nil)

func newTestClient(t *testing.T) (*Client, *queue.SQLiteStore) {
	t.Helper()
	runsDir := t.TempDir()
	store := queue.NewSQLiteStore(whirrtest.CreateTestDB(t), runsDir)

	srv := server.New(store, runsDir,
		config.ServerConfig{SubmitRate: 1000, SubmitBurst: 1000},
		zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return New(ts.URL), store
}

func TestClientHealth(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Health())
}

func TestClientJobLifecycle(t *testing.T) {
	c, _ := newTestClient(t)

	submitted, err := c.Submit(queue.JobSpec{
		CommandArgv: []string{"/bin/sh", "-c", "echo hi"},
		Workdir:     "/tmp",
		Name:        "remote-job",
		Tags:        []string{"remote"},
	})
	require.NoError(t, err)
	assert.Positive(t, submitted.JobID)
	assert.NotEmpty(t, submitted.RunDir)

	job, err := c.ClaimNext("remote:gpu0", 60)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, submitted.JobID, job.ID)
	assert.Equal(t, queue.StatusRunning, job.Status)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, job.CommandArgv)

	lease, err := c.Renew(job.ID, "remote:gpu0", 60)
	require.NoError(t, err)
	assert.False(t, lease.CancelRequested)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	require.NoError(t, c.Complete(job.ID, "remote:gpu0", 0, queue.StatusCompleted, ""))

	final, err := c.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, final.Status)
}

func TestClientEmptyQueue(t *testing.T) {
	c, _ := newTestClient(t)
	job, err := c.ClaimNext("remote:default", 60)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClientErrorMapping(t *testing.T) {
	c, store := newTestClient(t)

	t.Run("unknown job is NotFound", func(t *testing.T) {
		_, err := c.GetJob(99999)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("foreign renew is NotOwner", func(t *testing.T) {
		submitted, err := c.Submit(queue.JobSpec{CommandArgv: []string{"/bin/true"}, Workdir: "/tmp"})
		require.NoError(t, err)
		_, err = store.ClaimNext("other:default", 60)
		require.NoError(t, err)

		_, err = c.Renew(submitted.JobID, "remote:default", 60)
		assert.True(t, errors.IsNotOwner(err))
	})

	t.Run("retry of queued job is NotRetryable", func(t *testing.T) {
		submitted, err := c.Submit(queue.JobSpec{CommandArgv: []string{"/bin/true"}, Workdir: "/tmp"})
		require.NoError(t, err)

		_, err = c.Retry(submitted.JobID)
		assert.True(t, errors.Is(err, errors.ErrNotRetryable))
	})

	t.Run("unreachable server is StoreUnavailable", func(t *testing.T) {
		dead := New("http://127.0.0.1:1")
		_, err := dead.ClaimNext("remote:default", 60)
		assert.True(t, errors.IsStoreUnavailable(err))
	})

	t.Run("5xx is StoreUnavailable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer ts.Close()

		err := New(ts.URL).Health()
		assert.True(t, errors.IsStoreUnavailable(err))
	})
}

func TestClientWorkers(t *testing.T) {
	c, store := newTestClient(t)
	slot := 1

	require.NoError(t, c.RegisterWorker(&queue.Worker{
		ID: "remote:gpu1", Hostname: "remote", Slot: &slot, PID: 77,
	}))

	workers, err := c.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "remote:gpu1", workers[0].ID)

	jobID := int64(5)
	require.NoError(t, c.SetWorkerState("remote:gpu1", queue.WorkerBusy, &jobID))
	require.NoError(t, c.DeregisterWorker("remote:gpu1"))

	rows, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerStopped, rows[0].Status)
}

func TestClientCancelAndStatus(t *testing.T) {
	c, _ := newTestClient(t)

	submitted, err := c.Submit(queue.JobSpec{CommandArgv: []string{"/bin/true"}, Workdir: "/tmp"})
	require.NoError(t, err)

	prev, err := c.RequestCancel(submitted.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, prev)

	counts, err := c.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Cancelled)

	for i := 0; i < 3; i++ {
		_, err := c.Submit(queue.JobSpec{CommandArgv: []string{"/bin/true"}, Workdir: "/tmp"})
		require.NoError(t, err)
	}
	cancelled, err := c.CancelAllQueued()
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)
}

func TestClientRuns(t *testing.T) {
	c, store := newTestClient(t)

	submitted, err := c.Submit(queue.JobSpec{
		CommandArgv: []string{"/bin/true"},
		Workdir:     "/tmp",
		Tags:        []string{"sweep"},
	})
	require.NoError(t, err)

	// Claiming creates the run index row server-side
	_, err = c.ClaimNext("remote:default", 60)
	require.NoError(t, err)

	detail, err := c.GetRun(submitted.RunID)
	require.NoError(t, err)
	assert.Equal(t, submitted.RunID, detail.Run.ID)

	list, err := c.ListRuns(queue.RunFilter{Tag: "sweep"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Index row was created with the job's tags
	row, err := store.GetRun(submitted.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep"}, row.Tags)
}
