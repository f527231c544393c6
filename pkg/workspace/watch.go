package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wzdat/wzdat/pkg/engine"
)

// PassFunc receives the outcome of every pass started by Watch.
type PassFunc func(result *engine.ResolveResult, err error)

// Watch runs an executing pass at start and again whenever files below the
// unit directory, the data directory or the configured watch paths settle
// after a change. It returns when ctx is cancelled.
func (w *Workspace) Watch(ctx context.Context, onPass PassFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	roots := []string{w.cfg.UnitDir}
	if w.cfg.DataDir != "" {
		roots = append(roots, w.cfg.DataDir)
	}
	roots = append(roots, w.cfg.Watch.Paths...)
	for _, root := range roots {
		if err := addRecursive(watcher, root); err != nil {
			return err
		}
	}

	debounce := w.cfg.Watch.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w.logger.Info().Strs("paths", roots).Dur("debounce", debounce).Msg("Watching for changes")

	pass := func() {
		result, err := w.Resolve(ctx, true)
		if onPass != nil {
			onPass(result, err)
		}
	}
	pass()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Change detected")
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
			pending = true

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")

		case <-timer.C:
			pending = false
			pass()
		}
	}
}

// addRecursive watches root and every directory below it.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored filters hidden files, which covers notebook checkpoints and the
// temporary files of atomic document writes.
func ignored(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
