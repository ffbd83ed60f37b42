package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the reloaded settings to a callback. Only settings that are safe to change
// at runtime should be applied by the callback; address or path changes
// require a restart.
type Watcher struct {
	path     string
	onChange func(*Settings)
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onChange func(*Settings)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. Editors often replace files
// instead of writing in place, so the parent directory is watched and events
// are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-reload:
			settings, err := LoadFrom(w.path)
			if err != nil {
				log.Warn().Err(err).Str("path", w.path).Msg("Ignoring config reload, file did not validate")
				continue
			}
			log.Info().Str("path", w.path).Msg("Configuration reloaded")
			if w.onChange != nil {
				w.onChange(settings)
			}
		}
	}
}
