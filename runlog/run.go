// Package runlog is the in-process library user scripts import to record
// metrics, summaries, and artifacts for a run. It writes the same on-disk
// run format the scheduler reads. Under a worker it attaches to the run
// directory handed down through the environment; run directly, it creates a
// local-<timestamp> run of its own.
package runlog

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/syntropy-systems-oss/whirr/config"
	"github.com/syntropy-systems-oss/whirr/db"
	"github.com/syntropy-systems-oss/whirr/errors"
	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/runs"
)

// Options configures Init.
type Options struct {
	Name   string
	Config map[string]interface{}
	Tags   []string

	// RunDir overrides run directory resolution (tests, unusual layouts).
	RunDir string

	// SystemMetrics enables the background sampler writing system.jsonl.
	SystemMetrics         bool
	SystemMetricsInterval time.Duration
}

// Run is an open experiment run.
type Run struct {
	mu sync.Mutex

	RunID  string
	RunDir string
	JobID  *int64

	name      string
	config    map[string]interface{}
	tags      []string
	startedAt string

	metricIdx int
	summary   map[string]interface{}
	finished  bool

	sampler *systemSampler
	store   *queue.SQLiteStore
}

// Init starts a run. Under a worker (WHIRR_JOB_ID and WHIRR_RUN_DIR set) it
// joins the worker-created run directory; otherwise it creates a direct run
// under the nearest data root.
func Init(opts Options) (*Run, error) {
	r := &Run{
		name:      opts.Name,
		config:    opts.Config,
		tags:      opts.Tags,
		startedAt: runs.UTCNow(),
	}

	envJobID := os.Getenv("WHIRR_JOB_ID")
	envRunDir := os.Getenv("WHIRR_RUN_DIR")

	var dataDir string
	switch {
	case envJobID != "" && envRunDir != "":
		jobID, err := strconv.ParseInt(envJobID, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse WHIRR_JOB_ID")
		}
		r.JobID = &jobID
		r.RunDir = envRunDir
		r.RunID = filepath.Base(envRunDir)
	case opts.RunDir != "":
		r.RunDir = opts.RunDir
		r.RunID = filepath.Base(opts.RunDir)
	default:
		var err error
		dataDir, err = config.RequireDataDir()
		if err != nil {
			return nil, err
		}
		r.RunID = runs.NewLocalRunID(time.Now())
		r.RunDir = runs.Dir(config.RunsDir(dataDir), r.RunID)
	}

	if r.name == "" {
		r.name = r.RunID
	}

	if err := runs.Ensure(r.RunDir); err != nil {
		return nil, err
	}
	if err := runs.WriteConfig(r.RunDir, r.config); err != nil {
		return nil, err
	}
	if err := r.writeMeta(string(queue.StatusRunning), "", nil); err != nil {
		return nil, err
	}

	// Register in the local run index when the run lives under a data root.
	// Direct runs stay usable without one; the filesystem is authoritative.
	if r.JobID == nil && dataDir != "" {
		r.registerIndex(dataDir)
	}

	if opts.SystemMetrics {
		interval := opts.SystemMetricsInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		r.sampler = newSystemSampler(filepath.Join(r.RunDir, runs.SystemMetricsFile), interval)
		r.sampler.Start()
	}

	return r, nil
}

func (r *Run) registerIndex(dataDir string) {
	database, err := db.Open(config.DBPath(dataDir), nil)
	if err != nil {
		return
	}
	if err := db.Migrate(database, nil); err != nil {
		database.Close()
		return
	}
	store := queue.NewSQLiteStore(database, config.RunsDir(dataDir))
	if err := store.CreateRun(&queue.RunIndex{
		ID:     r.RunID,
		JobID:  r.JobID,
		Name:   r.name,
		Config: r.config,
		Tags:   r.tags,
		RunDir: r.RunDir,
	}); err != nil {
		database.Close()
		return
	}
	r.store = store
}

func (r *Run) writeMeta(status, finishedAt string, exitCode *int) error {
	meta := &runs.Meta{
		RunID:      r.RunID,
		Name:       r.name,
		Status:     status,
		StartedAt:  r.startedAt,
		FinishedAt: finishedAt,
		Tags:       r.tags,
		ConfigFile: runs.ConfigFile,
		Summary:    r.summary,
		ExitCode:   exitCode,
	}
	if finishedAt != "" {
		if start, err := time.Parse(runs.TimeFormat, r.startedAt); err == nil {
			if finish, err := time.Parse(runs.TimeFormat, finishedAt); err == nil {
				d := finish.Sub(start).Seconds()
				meta.DurationSeconds = &d
			}
		}
	}
	return runs.WriteMeta(r.RunDir, meta)
}

// Log appends one metric record. Records carry a contiguous _idx starting
// at 0 and a UTC timestamp; step is the optional user-provided step.
func (r *Run) Log(metrics map[string]interface{}, step *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return errors.New("cannot log to a finished run")
	}

	record := runs.Metric{
		"_idx":       r.metricIdx,
		"_timestamp": runs.UTCNow(),
	}
	if step != nil {
		record["step"] = *step
	}
	for k, v := range metrics {
		record[k] = v
	}

	if err := runs.AppendMetric(filepath.Join(r.RunDir, runs.MetricsFile), record); err != nil {
		return err
	}
	r.metricIdx++
	return nil
}

// Summary sets the final metrics shown in run listings.
func (r *Run) Summary(metrics map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return errors.New("cannot set summary on a finished run")
	}
	r.summary = metrics
	return r.writeMeta(string(queue.StatusRunning), "", nil)
}

// SaveArtifact copies a file into the run's artifacts directory, returning
// the destination path. destName defaults to the source basename.
func (r *Run) SaveArtifact(sourcePath, destName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return "", errors.New("cannot save artifacts to a finished run")
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", errors.Wrap(err, "open artifact source")
	}
	defer src.Close()

	if destName == "" {
		destName = filepath.Base(sourcePath)
	}
	dest := filepath.Join(r.RunDir, runs.ArtifactsDirName, destName)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrap(err, "create artifact directory")
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", errors.Wrap(err, "create artifact")
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", errors.Wrap(err, "copy artifact")
	}
	return dest, nil
}

// Finish marks the run terminal. Safe to call more than once.
func (r *Run) Finish(status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return nil
	}
	r.finished = true

	if r.sampler != nil {
		r.sampler.Stop()
	}

	if status == "" {
		status = string(queue.StatusCompleted)
	}
	if err := r.writeMeta(status, runs.UTCNow(), nil); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.CompleteRun(r.RunID, queue.JobStatus(status), r.summary); err != nil {
			// Index update is best effort; the run directory has the truth
			_ = err
		}
		r.store.Close()
		r.store = nil
	}
	return nil
}
