// Package watch re-runs a batch whenever units change on disk. Events are
// debounced so a burst of writes (an editor save, a git checkout) triggers
// one run.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a unit tree and invokes run after changes settle.
// Batches never overlap: run is called from a single goroutine.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *log.Logger
	run      func() error
}

// New builds a Watcher over root. run is invoked once per settled change
// burst; its error is logged, not fatal, matching the orchestrator's
// failure-isolation contract.
func New(root string, debounce time.Duration, logger *log.Logger, run func() error) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{root: root, debounce: debounce, logger: logger, run: run}
}

// Run watches until ctx is cancelled. The tree is watched recursively;
// directories created while watching are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories need their own watch.
				_ = w.addTree(fsw, event.Name)
			}
			w.logger.Printf("[debug] change: %s %s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("[warn] watcher: %v", err)

		case <-fire:
			fire = nil
			if err := w.run(); err != nil {
				w.logger.Printf("[warn] run after change: %v", err)
			}
		}
	}
}

// addTree registers path and every directory below it. Non-directories are
// ignored: watching the parent covers file events.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// The path may have vanished between event and walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && p != path {
			return fs.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Printf("[warn] watch %s: %v", p, err)
		}
		return nil
	})
}
