package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/queue"
)

var statusServer string

// StatusCmd shows queue and worker counts.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and worker counts",
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().StringVarP(&statusServer, "server", "s", "", "Server URL for remote mode")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var counts *queue.StatusCounts
	var workers []*queue.Worker

	if c := remoteClient(statusServer); c != nil {
		var err error
		if counts, err = c.StatusCounts(); err != nil {
			return err
		}
		if workers, err = c.ListWorkers(); err != nil {
			return err
		}
	} else {
		e, err := openLocal()
		if err != nil {
			return err
		}
		defer e.Close()
		if counts, err = e.store.StatusCounts(); err != nil {
			return err
		}
		if workers, err = e.store.ListWorkers(); err != nil {
			return err
		}
	}

	fmt.Printf("Jobs:    %d queued, %d running, %d completed, %d failed, %d cancelled\n",
		counts.Queued, counts.Running, counts.Completed, counts.Failed, counts.Cancelled)
	fmt.Printf("Workers: %d idle, %d busy\n", counts.WorkersIdle, counts.WorkersBusy)
	for _, w := range workers {
		current := "-"
		if w.CurrentJobID != nil {
			current = fmt.Sprintf("job %d", *w.CurrentJobID)
		}
		fmt.Printf("  %-24s %-8s %s\n", w.ID, w.Status, current)
	}
	return nil
}
