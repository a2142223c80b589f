// Package config manages whirr configuration and data-root discovery.
//
// The data root is a .whirr directory found by walking up from the working
// directory (created by `whirr init`). Configuration is layered with viper:
// defaults, then an optional config.toml inside the data root, then
// WHIRR_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// DataDirName is the directory that marks a whirr project root.
const DataDirName = ".whirr"

// Config represents the whirr configuration
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
}

// WorkerConfig tunes the worker loop and supervisor. All intervals are in
// seconds to keep the config file flat and shell-overridable.
type WorkerConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeat_interval"` // seconds between lease renewals (default: 30)
	HeartbeatTimeout  int `mapstructure:"heartbeat_timeout"`  // embedded-mode orphan cutoff (default: 120)
	KillGracePeriod   int `mapstructure:"kill_grace_period"`  // SIGTERM→SIGKILL window (default: 10)
	PollInterval      int `mapstructure:"poll_interval"`      // empty-queue sleep (default: 5)
	LeaseSeconds      int `mapstructure:"lease_seconds"`      // networked-mode lease duration (default: 60)
}

// ServerConfig configures the networked-mode HTTP server
type ServerConfig struct {
	Port        int     `mapstructure:"port"`         // listen port (default: 8080)
	URL         string  `mapstructure:"url"`          // client-side server URL (WHIRR_SERVER_URL)
	DataDir     string  `mapstructure:"data_dir"`     // shared filesystem root (WHIRR_DATA_DIR)
	SubmitRate  float64 `mapstructure:"submit_rate"`  // job submissions per second (default: 50)
	SubmitBurst int     `mapstructure:"submit_burst"` // submission burst allowance (default: 100)
}

// DatabaseConfig selects the store backing the queue. An empty URL means the
// embedded SQLite store inside the data root.
type DatabaseConfig struct {
	URL string `mapstructure:"url"` // postgres:// connection URL for networked mode
}

// HeartbeatIntervalDuration returns the renewal interval as a time.Duration.
func (c WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// KillGraceDuration returns the SIGTERM→SIGKILL grace window.
func (c WorkerConfig) KillGraceDuration() time.Duration {
	return time.Duration(c.KillGracePeriod) * time.Second
}

// PollIntervalDuration returns the empty-queue sleep interval.
func (c WorkerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the embedded-mode orphan cutoff.
func (c WorkerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// FindDataDir walks up from start looking for a .whirr directory.
// Returns the .whirr path, or "" if none is found.
func FindDataDir(start string) string {
	current, err := filepath.Abs(start)
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(current, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// RequireDataDir finds the data root or returns ErrNotInitialized.
func RequireDataDir() (string, error) {
	if dir := os.Getenv("WHIRR_DATA_DIR"); dir != "" {
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "resolve working directory")
	}
	dir := FindDataDir(cwd)
	if dir == "" {
		return "", errors.WithHint(
			errors.Wrap(errors.ErrNotInitialized, "no .whirr directory found"),
			"run 'whirr init' in your project root first")
	}
	return dir, nil
}

// DBPath returns the embedded SQLite database path inside the data root.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "whirr.db")
}

// RunsDir returns the run-directory root inside the data root.
func RunsDir(dataDir string) string {
	return filepath.Join(dataDir, "runs")
}
