package runs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// Artifact describes one file under a run's artifacts directory.
type Artifact struct {
	Path     string    `json:"path"`     // relative to artifacts/
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListArtifacts walks a run's artifacts directory. Paths are relative with
// forward slashes. A missing directory yields an empty list.
func ListArtifacts(runDir string) ([]Artifact, error) {
	root := filepath.Join(runDir, ArtifactsDirName)
	artifacts := []Artifact{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	return artifacts, nil
}

// ArtifactPath resolves a relative artifact path inside a run directory,
// rejecting anything that would escape the artifacts root.
func ArtifactPath(runDir, relPath string) (string, error) {
	root := filepath.Join(runDir, ArtifactsDirName)
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", errors.Newf("invalid artifact path: %q", relPath)
	}
	full := filepath.Join(root, clean)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFound("artifact %s", relPath)
		}
		return "", errors.Wrap(err, "stat artifact")
	}
	return full, nil
}
