package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDelay coalesces the burst of fsnotify events an editor or
// secret-manager rewrite produces into a single reload.
const debounceDelay = 500 * time.Millisecond

// Watch invokes onChange whenever the config file at path is rewritten. The
// parent directory is watched rather than the file itself because most
// writers replace the file via rename. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, log *logrus.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	log.WithField("path", path).Info("Watching config file for changes")

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			log.WithField("path", path).Info("Config file changed, reloading")
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Config watcher error")
		}
	}
}
