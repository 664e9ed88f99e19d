package policyfile

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/imran-siddique/agentos/internal/domain/policy"
)

// debounceWindow coalesces the write+rename bursts editors and atomic
// saves produce into one reload.
const debounceWindow = 200 * time.Millisecond

// Watcher hot-reloads the active policy file. The directory is watched
// rather than the file so atomic renames keep working.
type Watcher struct {
	path   string
	apply  func(policy.Tables) error
	logger *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path and calls apply with each successfully
// loaded table set. A file that fails to load or apply is logged and
// skipped; the previous tables stay active.
func Watch(path string, apply func(policy.Tables) error, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:   path,
		apply:  apply,
		logger: logger,
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	tables, err := Load(w.path)
	if err != nil {
		w.logger.Error("policy reload skipped", "path", w.path, "error", err)
		return
	}
	if err := w.apply(tables); err != nil {
		w.logger.Error("policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy reloaded", "path", w.path)
}

// ReloadNow forces a synchronous load-and-apply, used at startup and by
// SIGUSR-style refresh paths.
func (w *Watcher) ReloadNow(_ context.Context) error {
	tables, err := Load(w.path)
	if err != nil {
		return err
	}
	return w.apply(tables)
}
