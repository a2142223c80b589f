package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/runs"
)

var logsFollow bool

// LogsCmd prints (or follows) a run's captured output.
var LogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show a run's output log",
	Long: `Print the captured stdout/stderr of a run. With --follow, keep
streaming as the child writes.

Examples:
  whirr logs job-3
  whirr logs job-3 --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	LogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep streaming as the log grows")
}

func runLogs(cmd *cobra.Command, args []string) error {
	dataDir, err := config.RequireDataDir()
	if err != nil {
		return err
	}

	runID := args[0]
	logPath := filepath.Join(runs.Dir(config.RunsDir(dataDir), runID), runs.OutputLogFile)
	if _, err := os.Stat(logPath); err != nil {
		return errors.NewNotFound("output log for run %s", runID)
	}

	if !logsFollow {
		f, err := os.Open(logPath)
		if err != nil {
			return errors.Wrap(err, "open output log")
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runs.Follow(ctx, logPath, os.Stdout)
}
