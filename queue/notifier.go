package queue

import (
	"sync"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels.
const SubscriberChannelBufferSize = 100

// Notifier fans job transitions out to subscribers (the websocket event
// stream, tests). Publishing never blocks: a subscriber that falls behind
// misses updates rather than stalling the store.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe returns a buffered channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (n *Notifier) Subscribe() chan *Job {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed by
// this method - callers should close it themselves after unsubscribing if
// needed. This prevents double-close panics.
func (n *Notifier) Unsubscribe(ch chan *Job) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, sub := range n.subscribers {
		if sub == ch {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends a job update to all subscribers with a non-blocking send.
func (n *Notifier) Publish(job *Job) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
