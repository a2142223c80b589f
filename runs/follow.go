package runs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// Follow streams a run file (typically output.log) to w as it grows,
// tail -f style, driven by filesystem notifications rather than polling.
// It returns when ctx is cancelled or the file is removed.
func Follow(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open file to follow")
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrap(err, "copy existing content")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	// Watch the directory: append-only writers touch the file, but watching
	// the parent also catches rotation and removal.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "watch directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if _, err := io.Copy(w, f); err != nil {
					return errors.Wrap(err, "copy new content")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "watch file")
		}
	}
}
