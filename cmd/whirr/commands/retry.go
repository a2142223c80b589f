package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/errors"
)

var retryServer string

// RetryCmd retries a failed or cancelled job.
var RetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Retry a failed or cancelled job",
	Long: `Clone a failed or cancelled job as a fresh queued attempt. The new
job carries the same command, workdir, name, and tags, links back to the
original via its parent id, and increments the attempt counter.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	RetryCmd.Flags().StringVarP(&retryServer, "server", "s", "", "Server URL for remote mode")
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.Newf("invalid job id: %q", args[0])
	}

	if c := remoteClient(retryServer); c != nil {
		newID, err := c.Retry(id)
		if err != nil {
			return err
		}
		fmt.Printf("Retrying job %d as job %d\n", id, newID)
		return nil
	}

	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.Retry(id)
	if err != nil {
		return err
	}
	fmt.Printf("Retrying job %d as job %d (attempt %d)\n", id, job.ID, job.Attempt)
	return nil
}
