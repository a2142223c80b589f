package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/db"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/logger"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/server"
)

var (
	servePort        int
	serveDatabaseURL string
	serveDataDir     string
)

// ServeCmd starts the multi-host HTTP server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the multi-host whirr server",
	Long: `Start the HTTP server fronting the job store for multi-host
deployments. With --database-url the queue lives in Postgres (row-level
locking across many claimants); without it, a SQLite store inside
--data-dir serves smaller deployments.

Examples:
  whirr serve --database-url postgres://whirr@db/whirr --data-dir /mnt/shared/whirr
  whirr serve --data-dir /mnt/shared/whirr --port 9090`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
	ServeCmd.Flags().StringVar(&serveDatabaseURL, "database-url", "", "Postgres connection URL")
	ServeCmd.Flags().StringVarP(&serveDataDir, "data-dir", "d", "", "Shared data directory for runs")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir := serveDataDir
	if dataDir == "" {
		dataDir = os.Getenv("WHIRR_DATA_DIR")
	}
	if dataDir == "" {
		return errors.WithHint(
			errors.New("server requires a data directory"),
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

	databaseURL := serveDatabaseURL
	if databaseURL == "" {
		databaseURL = cfg.Database.URL
	}

	var store queue.Store
	if databaseURL != "" {
		pg, err := queue.OpenPostgres(databaseURL)
		if err != nil {
			return err
		}
		pgStore := queue.NewPostgresStore(pg, runsDir)
		if err := pgStore.InitSchema(); err != nil {
			return err
		}
		store = pgStore
		logger.Infow("Using Postgres store")
	} else {
		database, err := db.Open(filepath.Join(dataDir, "whirr.db"), logger.Logger)
		if err != nil {
			return err
		}
		if err := db.Migrate(database, logger.Logger); err != nil {
			return err
		}
		store = queue.NewSQLiteStore(database, runsDir)
		logger.Infow("Using embedded SQLite store",
			"hint", "use --database-url for multi-host claim atomicity on shared filesystems")
	}
	defer store.Close()

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}

	srv := server.New(store, runsDir, cfg.Server, logger.Logger)

	// First signal drains HTTP; a second is left to the OS default
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	return srv.Start(port)
}
