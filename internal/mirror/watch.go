package mirror

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher reports changes under a local mirror directory. New
// subdirectories are watched as they appear. Hidden names are ignored,
// which keeps the state file and editor swap files from triggering syncs.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func NewWatcher(root string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	w := &Watcher{root: filepath.Clean(root), watcher: fw, logger: logger.With("component", "mirror-watch")}
	if err := w.addTree(w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && hidden(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return errors.Wrapf(err, "watch %s", p)
		}
		return nil
	})
}

// Run delivers the path of every relevant change to notify until ctx is
// done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, notify func(path string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if hidden(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if err := w.addTree(event.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
					w.logger.Warn("watch new path failed", "path", event.Name, "error", err)
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			notify(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func hidden(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".")
}
