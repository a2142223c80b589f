package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/db"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/logger"
	"github.com/syntropy-systems-oss/whirr/queue"
)

// InitCmd creates the .whirr data root in the current directory.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .whirr data root in the current directory",
	Long: `Create the .whirr directory holding the job database and run
directories. Workers and submissions in this directory tree will use it.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "resolve working directory")
	}

	dataDir := filepath.Join(cwd, config.DataDirName)
	if _, err := os.Stat(dataDir); err == nil {
		fmt.Printf("Already initialized: %s\n", dataDir)
		return nil
	}

	if err := os.MkdirAll(config.RunsDir(dataDir), 0o755); err != nil {
		return errors.Wrap(err, "create data root")
	}

	database, err := db.Open(config.DBPath(dataDir), logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, logger.Logger); err != nil {
		return err
	}

	// Smoke-check the store before declaring success
	store := queue.NewSQLiteStore(database, config.RunsDir(dataDir))
	if _, err := store.StatusCounts(); err != nil {
		return errors.Wrap(err, "verify store")
	}

	fmt.Printf("Initialized whirr data root: %s\n", dataDir)
	return nil
}
