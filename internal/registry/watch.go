package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"pulsus/internal/logging"
)

// watchDebounce coalesces bursts of filesystem events into one refresh.
const watchDebounce = 500 * time.Millisecond

// Watch refreshes the registry whenever a .go file under a script root is
// created, written, removed, or renamed. Blocks until the context is
// cancelled; callers run it in its own goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	log := logging.Get(logging.CategoryRegistry)
	watched := 0
	for _, root := range r.roots {
		if err := watcher.Add(root); err != nil {
			log.Warn("script root %s not watchable: %v", root, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return errors.New("no watchable script roots")
	}
	log.Info("watching %d script roots", watched)

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".go") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error: %v", err)

		case <-debounce.C:
			if err := r.Refresh(ctx); err != nil {
				log.Warn("watch-triggered refresh failed: %v", err)
			}
		}
	}
}
