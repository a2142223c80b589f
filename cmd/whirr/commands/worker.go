package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/client"
	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/logger"
	"github.com/syntropy-systems-oss/whirr/worker"
)

var (
	workerGPU     int
	workerServer  string
	workerDataDir string
)

// WorkerCmd starts a worker loop.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker to process queued jobs",
	Long: `Start a worker that claims jobs and runs them as supervised child
process groups. First Ctrl-C drains (current job finishes, then exit);
second Ctrl-C terminates the child group and exits.

LOCAL MODE (default): connects directly to the local SQLite queue.
REMOTE MODE (--server): claims over HTTP; requires --data-dir on a
shared filesystem.

Examples:
  whirr worker
  whirr worker --gpu 0
  whirr worker --server http://head-node:8080 --data-dir /mnt/shared/whirr`,
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().IntVarP(&workerGPU, "gpu", "g", -1, "Accelerator index for this worker")
	WorkerCmd.Flags().StringVarP(&workerServer, "server", "s", "", "Server URL for remote mode")
	WorkerCmd.Flags().StringVarP(&workerDataDir, "data-dir", "d", "", "Data directory for runs (remote mode)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	var slot *int
	if workerGPU >= 0 {
		slot = &workerGPU
	}

	if workerServer == "" {
		workerServer = os.Getenv("WHIRR_SERVER_URL")
	}

	if workerServer != "" {
		return runRemoteWorker(workerServer, slot)
	}
	return runLocalWorker(slot)
}

func runLocalWorker(slot *int) error {
	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	e.store.SetHeartbeatTimeout(e.cfg.Worker.HeartbeatTimeoutDuration())
	w := worker.New(e.store, config.RunsDir(e.dataDir), slot, e.cfg.Worker, logger.Logger)
	return w.Run()
}

func runRemoteWorker(serverURL string, slot *int) error {
	dataDir := workerDataDir
	if dataDir == "" {
		dataDir = os.Getenv("WHIRR_DATA_DIR")
	}
	if dataDir == "" {
		return errors.WithHint(
			errors.New("remote mode requires a data directory"),
			"pass --data-dir pointing at the shared filesystem")
	}

	runsDir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return errors.Wrap(err, "create runs directory")
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}

	c := client.New(serverURL)
	if err := c.Health(); err != nil {
		return errors.Wrap(err, "server unreachable")
	}

	w := worker.New(c, runsDir, slot, cfg.Worker, logger.Logger)
	return w.Run()
}
