package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syntropy-systems-oss/whirr/queue"
)

const (
	eventWriteTimeout = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// jobEvent is one websocket frame: a job row snapshot after a transition.
type jobEvent struct {
	Type string     `json:"type"`
	Job  *queue.Job `json:"job"`
}

// handleEvents upgrades to a websocket and streams job transitions until
// the client disconnects. A slow client misses events rather than blocking
// the store.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.notifier.Subscribe()
	defer s.notifier.Unsubscribe(events)

	s.logger.Infow("Event subscriber connected", "remote", r.RemoteAddr)

	// Reader goroutine: detect client disconnect, discard any input
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.stop:
			return
		case job := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(jobEvent{Type: "job_update", Job: job}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
