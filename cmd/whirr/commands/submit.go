package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
)

var (
	submitName    string
	submitTags    []string
	submitConfig  string
	submitWorkdir string
	submitServer  string
)

// SubmitCmd enqueues a job.
var SubmitCmd = &cobra.Command{
	Use:   "submit [flags] -- command [args...]",
	Short: "Enqueue a job",
	Long: `Enqueue a command for a worker to run. Everything after -- is the
command and its literal arguments; no shell interpretation happens.

Examples:
  whirr submit -- python train.py --lr 0.01
  whirr submit --name baseline --tag exp1 -- python train.py
  whirr submit --server http://head-node:8080 -- python train.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	SubmitCmd.Flags().StringVarP(&submitName, "name", "n", "", "Human-readable job name")
	SubmitCmd.Flags().StringArrayVarP(&submitTags, "tag", "t", nil, "Tag (repeatable)")
	SubmitCmd.Flags().StringVarP(&submitConfig, "config", "c", "", "Inline JSON config object")
	SubmitCmd.Flags().StringVarP(&submitWorkdir, "workdir", "w", "", "Working directory (default: current)")
	SubmitCmd.Flags().StringVarP(&submitServer, "server", "s", "", "Server URL for remote mode")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	workdir := submitWorkdir
	if workdir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "resolve working directory")
		}
		workdir = cwd
	}

	var cfg map[string]interface{}
	if submitConfig != "" {
		if err := json.Unmarshal([]byte(submitConfig), &cfg); err != nil {
			return errors.Wrap(err, "parse --config")
		}
	}

	spec := queue.JobSpec{
		CommandArgv: args,
		Workdir:     workdir,
		Name:        submitName,
		Tags:        submitTags,
		Config:      cfg,
	}

	if c := remoteClient(submitServer); c != nil {
		result, err := c.Submit(spec)
		if err != nil {
			return err
		}
		fmt.Printf("Submitted job %d (run %s)\n", result.JobID, result.RunID)
		return nil
	}

	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.Enqueue(spec)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted job %d (run %s)\n", job.ID, job.RunID)
	return nil
}
