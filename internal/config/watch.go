package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls
// onChange with the new value. Invalid intermediate states (editors
// write-then-rename, partial writes) are logged and skipped; the last
// valid config stays in effect. Returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: most editors replace the file,
	// which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		// Debounce bursts of events from a single save.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(path) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload skipped: %v", err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			}
		}
	}()
	return nil
}
