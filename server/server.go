// Package server exposes the scheduling contract over HTTP for multi-host
// deployments: remote workers claim and heartbeat through it, submitters
// enqueue through it, and it runs the periodic orphan reaper that embedded
// mode runs at worker startup instead.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
)

// reapInterval is how often the lease monitor scans for expired leases.
// Kept under the default lease so an orphaned job is requeued within one
// lease period of expiring.
const reapInterval = 30 * time.Second

// Server is the networked-mode HTTP front of a Store.
type Server struct {
	store    queue.Store
	runsDir  string
	logger   *zap.SugaredLogger
	notifier *queue.Notifier

	submitLimiter *rate.Limiter
	upgrader      websocket.Upgrader

	httpServer *http.Server
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Notifiable is implemented by stores that can publish job transitions.
type Notifiable interface {
	SetNotifier(n *queue.Notifier)
}

// New creates a server for a store. runsDir is the shared filesystem root
// holding run directories.
func New(store queue.Store, runsDir string, cfg config.ServerConfig, logger *zap.SugaredLogger) *Server {
	s := &Server{
		store:    store,
		runsDir:  runsDir,
		logger:   logger.Named("server"),
		notifier: queue.NewNotifier(),
		submitLimiter: rate.NewLimiter(
			rate.Limit(cfg.SubmitRate),
			cfg.SubmitBurst,
		),
		upgrader: websocket.Upgrader{
			// Deployments restrict network access; the API carries no auth
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}

	if notifiable, ok := store.(Notifiable); ok {
		notifiable.SetNotifier(s.notifier)
	}
	return s
}

// Routes builds the HTTP mux for the full API surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmit)
	mux.HandleFunc("POST /api/v1/jobs/claim", s.handleClaim)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/v1/jobs/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/jobs/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/v1/jobs/cancel_all", s.handleCancelAllQueued)

	mux.HandleFunc("POST /api/v1/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/v1/workers/unregister", s.handleUnregisterWorker)
	mux.HandleFunc("POST /api/v1/workers/heartbeat", s.handleWorkerHeartbeat)
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)

	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/metrics", s.handleRunMetrics)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/artifacts", s.handleRunArtifacts)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/artifacts/{path...}", s.handleRunArtifact)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return mux
}

// Start runs the lease monitor and serves HTTP until Shutdown.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go s.leaseMonitor()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Routes(),
	}

	s.logger.Infow("Server listening", "port", port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "serve http")
}

// Shutdown stops the lease monitor and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	s.wg.Wait()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown http server")
		}
	}
	s.logger.Infow("Server stopped")
	return nil
}

// leaseMonitor periodically returns expired-lease jobs to the queue.
// Requeuing an already-queued job is a no-op, so overlap with worker-side
// reaping is harmless.
func (s *Server) leaseMonitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			requeued, err := s.store.ReapExpired(time.Now())
			if err != nil {
				s.logger.Errorw("Lease monitor reap failed", "error", err)
				continue
			}
			for _, job := range requeued {
				s.logger.Warnw("Requeued job with expired lease",
					"job_id", job.ID,
					"attempt", job.Attempt,
				)
			}
		}
	}
}
