package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/statesync/statesync/internal/schema"
)

// ActivityWatcher watches the extensions directory and feeds install,
// remove and enablement activity into the coordinator as triggers.
type ActivityWatcher struct {
	trigger func(source string)
	logger  *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewActivityWatcher builds a watcher reporting activity to trigger.
func NewActivityWatcher(trigger func(source string), logger *log.Logger) *ActivityWatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}
	return &ActivityWatcher{trigger: trigger, logger: logger}
}

// Start begins watching dir for extension record changes.
func (w *ActivityWatcher) Start(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	w.logger.Printf("watching %s", dir)
	return nil
}

// Stop ends the watch.
func (w *ActivityWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
	w.watcher = nil
}

func (w *ActivityWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger(string(schema.KindExtensions))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}
