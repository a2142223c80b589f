package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntropy-systems-oss/whirr/internal/whirrtest"
	"github.com/syntropy-systems-oss/whirr/queue"
)

func TestNotifierFanOut(t *testing.T) {
	n := queue.NewNotifier()
	a := n.Subscribe()
	b := n.Subscribe()

	job := &queue.Job{ID: 1, Status: queue.StatusQueued}
	n.Publish(job)

	assert.Equal(t, job, <-a)
	assert.Equal(t, job, <-b)
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := queue.NewNotifier()
	ch := n.Subscribe()
	n.Unsubscribe(ch)

	n.Publish(&queue.Job{ID: 2})
	select {
	case job := <-ch:
		t.Fatalf("unsubscribed channel received job %d", job.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierSlowSubscriberDoesNotBlock(t *testing.T) {
	n := queue.NewNotifier()
	n.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queue.SubscriberChannelBufferSize*2; i++ {
			n.Publish(&queue.Job{ID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestStoreTransitionsPublish(t *testing.T) {
	store := whirrtest.CreateTestStore(t)
	n := queue.NewNotifier()
	store.SetNotifier(n)
	events := n.Subscribe()

	job, err := store.Enqueue(queue.JobSpec{
		CommandArgv: []string{"/bin/true"},
		Workdir:     "/tmp",
	})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, job.ID, event.ID)
		assert.Equal(t, queue.StatusQueued, event.Status)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not publish a transition")
	}

	_, err = store.ClaimNext("host:default", 60)
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, queue.StatusRunning, event.Status)
	case <-time.After(time.Second):
		t.Fatal("claim did not publish a transition")
	}
}
