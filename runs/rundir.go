// Package runs defines the on-disk run directory layout and file formats.
// One directory per run under <data_root>/runs/<run_id>/ holds metadata,
// configuration, the append-only metric stream, captured output, and
// artifacts. The filesystem is authoritative; the store's run index is a
// rebuildable convenience.
package runs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// File names inside a run directory.
const (
	MetaFile          = "meta.json"
	ConfigFile        = "config.json"
	MetricsFile       = "metrics.jsonl"
	SystemMetricsFile = "system.jsonl"
	OutputLogFile     = "output.log"
	RequirementsFile  = "requirements.txt"
	ArtifactsDirName  = "artifacts"
)

// TimeFormat is the timestamp format used in run files: UTC, second
// precision, Z-suffixed. Writing and re-reading a timestamp is
// byte-identical.
const TimeFormat = "2006-01-02T15:04:05Z"

// UTCNow returns the current time formatted for run files.
func UTCNow() string {
	return time.Now().UTC().Format(TimeFormat)
}

// Dir returns the run directory path for a run id.
func Dir(runsRoot, runID string) string {
	return filepath.Join(runsRoot, runID)
}

// NewLocalRunID derives an id for a direct (non-queued) run:
// local-<YYYYMMDD-HHMMSS>-<4-hex> in UTC. The random suffix keeps two runs
// started within the same second apart.
func NewLocalRunID(now time.Time) string {
	suffix := uuid.NewString()[:4]
	return fmt.Sprintf("local-%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// Ensure creates a run directory and its artifacts subdirectory.
func Ensure(runDir string) error {
	if err := os.MkdirAll(filepath.Join(runDir, ArtifactsDirName), 0o755); err != nil {
		return errors.Wrap(err, "create run directory")
	}
	return nil
}
