package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RemovedCallback is called when a blob file disappears from disk.
type RemovedCallback func(ref string)

// Watch starts an fsnotify watcher on the blob root and reports removed or
// renamed-away blob files until ctx is cancelled.
//
// New directories created at runtime (one per vault and one per artifact)
// are added to the watch list as they appear.
func Watch(ctx context.Context, store *FS, logger *slog.Logger, cb RemovedCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, store.Root()); err != nil {
		return err
	}

	logger.Info("blob watcher: started", slog.String("root", store.Root()))

	for {
		select {
		case <-ctx.Done():
			logger.Info("blob watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("blob watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
				continue
			}

			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ref, ok := store.RefForPath(ev.Name)
			if !ok || !isBlobRef(ref) {
				continue
			}
			logger.Debug("blob watcher: blob removed", slog.String("ref", ref))
			if cb != nil {
				cb(ref)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("blob watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// isBlobRef reports whether ref has the vault/artifact/object shape.
func isBlobRef(ref string) bool {
	return strings.Count(ref, "/") == 2
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
