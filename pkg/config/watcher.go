package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tengil/tengil/pkg/telemetry"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to one document file. It watches the parent
// directory so that editors which save by rename are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *telemetry.Logger
}

// NewWatcher starts watching path. Events are delivered by Run.
func NewWatcher(path string, debounce time.Duration, logger *telemetry.Logger) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  fw,
		logger:   logger.NewComponentLogger("watch"),
	}, nil
}

// Run calls onChange once per burst of changes to the document until ctx is
// cancelled. onChange runs on the Run goroutine; changes made while it runs
// are coalesced into the next call.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	w.logger.WithField("path", w.path).Info("Watching document")
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Document changed")
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Watcher error")

		case <-timer.C:
			onChange(ctx)
		}
	}
}
