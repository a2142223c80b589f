package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/queue"
)

var (
	runsStatus string
	runsTag    string
	runsLimit  int
	runsServer string
)

// RunsCmd lists runs.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Long: `List runs from the run index, newest first.

Examples:
  whirr runs
  whirr runs --status failed
  whirr runs --tag sweep-1 --limit 10`,
	RunE: runRuns,
}

func init() {
	RunsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status")
	RunsCmd.Flags().StringVar(&runsTag, "tag", "", "Filter by tag")
	RunsCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum rows")
	RunsCmd.Flags().StringVarP(&runsServer, "server", "s", "", "Server URL for remote mode")
}

func runRuns(cmd *cobra.Command, args []string) error {
	filter := queue.RunFilter{Status: runsStatus, Tag: runsTag, Limit: runsLimit}

	var list []*queue.RunIndex
	if c := remoteClient(runsServer); c != nil {
		var err error
		if list, err = c.ListRuns(filter); err != nil {
			return err
		}
	} else {
		e, err := openLocal()
		if err != nil {
			return err
		}
		defer e.Close()
		if list, err = e.store.ListRuns(filter); err != nil {
			return err
		}
	}

	if len(list) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	for _, run := range list {
		duration := "-"
		if run.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *run.DurationSeconds)
		}
		fmt.Printf("%-28s %-10s %-10s %s\n", run.ID, run.Status, duration, run.Name)
	}
	return nil
}
