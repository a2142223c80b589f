package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/cmd/whirr/commands"
	"github.com/syntropy-systems-oss/whirr/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "whirr",
	Short: "whirr - experiment orchestration for ML jobs",
	Long: `whirr - local/distributed job orchestration for ML experiments.

Submit long-running commands to a queue; workers (one per accelerator)
claim them, run them as supervised child processes, and record metrics
and artifacts under a shared data root.

Available commands:
  init    - Create a .whirr data root in the current directory
  submit  - Enqueue a job
  worker  - Start a worker (local SQLite queue or remote server)
  serve   - Start the multi-host HTTP server
  status  - Show queue and worker counts
  runs    - List runs
  logs    - Show (or follow) a run's output log
  cancel  - Cancel a job (or all queued jobs)
  retry   - Retry a failed or cancelled job

Examples:
  whirr init
  whirr submit -- python train.py --lr 0.01
  whirr worker --gpu 0
  whirr serve --database-url postgres://... --data-dir /mnt/shared/whirr`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.LogsCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
