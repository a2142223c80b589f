package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
)

var (
	cancelAll    bool
	cancelServer string
)

// CancelCmd cancels a job, or all queued jobs.
var CancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job (or all queued jobs)",
	Long: `Cancel a job. A queued job is cancelled immediately; a running job
is flagged and its worker terminates the child group within one heartbeat
plus the grace window.

Examples:
  whirr cancel 3
  whirr cancel --all`,
	RunE: runCancel,
}

func init() {
	CancelCmd.Flags().BoolVar(&cancelAll, "all", false, "Cancel every queued job")
	CancelCmd.Flags().StringVarP(&cancelServer, "server", "s", "", "Server URL for remote mode")
}

func runCancel(cmd *cobra.Command, args []string) error {
	if cancelAll {
		return runCancelAll()
	}
	if len(args) != 1 {
		return errors.New("pass a job id, or --all")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.Newf("invalid job id: %q", args[0])
	}

	var prev queue.JobStatus
	if c := remoteClient(cancelServer); c != nil {
		if prev, err = c.RequestCancel(id); err != nil {
			return err
		}
	} else {
		e, err := openLocal()
		if err != nil {
			return err
		}
		defer e.Close()
		if prev, err = e.store.RequestCancel(id); err != nil {
			return err
		}
	}

	switch prev {
	case queue.StatusQueued:
		fmt.Printf("Job %d cancelled\n", id)
	case queue.StatusRunning:
		fmt.Printf("Job %d flagged for cancellation; its worker will stop it\n", id)
	default:
		fmt.Printf("Job %d already %s\n", id, prev)
	}
	return nil
}

func runCancelAll() error {
	var count int
	var err error
	if c := remoteClient(cancelServer); c != nil {
		count, err = c.CancelAllQueued()
	} else {
		e, openErr := openLocal()
		if openErr != nil {
			return openErr
		}
		defer e.Close()
		count, err = e.store.CancelAllQueued()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d queued job(s)\n", count)
	return nil
}
