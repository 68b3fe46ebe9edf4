package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces a burst of file creations into one run.
const watchDebounce = 500 * time.Millisecond

// Watch observes the drain directory and starts a pipeline run
// whenever a new log file appears, after an initial sweep of whatever
// is already there. Triggers while a run is active are dropped, not
// queued; the next file creation starts a fresh run. Watch blocks
// until ctx is cancelled.
func (u *Uploader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(u.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", u.cfg.Dir, err)
	}

	if err := u.Start(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		return err
	}

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			u.Cancel()
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) || !strings.HasSuffix(ev.Name, ".log") {
				continue
			}
			if filepath.Base(ev.Name) == u.cfg.ActiveFile {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			u.log.Warn("watch error", "dir", u.cfg.Dir, "error", err)
		case <-timer.C:
			if err := u.Start(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				u.log.Warn("watch: cannot start upload", "error", err)
			}
		}
	}
}
