package runs

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// GitInfo captures the repository state a run was launched from.
type GitInfo struct {
	Commit    string `json:"commit,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// Meta is the run's meta.json. In queued mode the worker seeds it at claim
// and writes the terminal document after the child exits; the in-process
// library also rewrites it while the run is open. In direct mode the
// library alone writes it. Readers are concurrent but never write.
type Meta struct {
	RunID           string                 `json:"run_id"`
	Name            string                 `json:"name,omitempty"`
	Status          string                 `json:"status"`
	StartedAt       string                 `json:"started_at"`
	FinishedAt      string                 `json:"finished_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Tags            []string               `json:"tags"`
	ConfigFile      string                 `json:"config_file,omitempty"`
	Summary         map[string]interface{} `json:"summary,omitempty"`
	GitInfo         *GitInfo               `json:"git_info,omitempty"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
}

// WriteMeta writes meta.json. The write goes through a temp file and rename
// so a reader never sees a half-written document.
func WriteMeta(runDir string, meta *Meta) error {
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal meta")
	}
	data = append(data, '\n')

	path := filepath.Join(runDir, MetaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write meta")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace meta")
	}
	return nil
}

// ReadMeta reads meta.json from a run directory.
func ReadMeta(runDir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(runDir, MetaFile))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFound("meta.json in %s", runDir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read meta")
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "parse meta")
	}
	return &meta, nil
}

// WriteConfig writes config.json.
func WriteConfig(runDir string, config map[string]interface{}) error {
	if config == nil {
		config = map[string]interface{}{}
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(runDir, ConfigFile), data, 0o644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// ReadConfig reads config.json, returning nil when absent.
func ReadConfig(runDir string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ConfigFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var config map[string]interface{}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return config, nil
}
