package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sink receives paths that settled after a burst of events
type Sink interface {
	Submit(path string) bool
}

// Watcher monitors the watch directory and forwards changed files to a Sink
type Watcher struct {
	dir      string
	debounce time.Duration
	sink     Sink
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool

	// Debounce map to avoid submitting the same file for every write
	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex
}

// New creates a new file watcher for dir
func New(dir string, debounce time.Duration, sink Sink) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch directory %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		dir:         absDir,
		debounce:    debounce,
		sink:        sink,
		watcher:     fsWatcher,
		stopChan:    make(chan struct{}),
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start adds the watch and begins processing events
func (w *Watcher) Start() error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch directory %s is not a directory", w.dir)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.wg.Add(1)
	go w.processEvents()

	log.Printf("[Watcher] Watching path: %s", w.dir)
	return nil
}

// Stop stops the file watcher. Pending debounced submissions are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	log.Println("[Watcher] Stopping file watcher...")
	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()

	w.debounceMu.Lock()
	for path, timer := range w.debounceMap {
		timer.Stop()
		delete(w.debounceMap, path)
	}
	w.debounceMu.Unlock()
	log.Println("[Watcher] File watcher stopped")
}

// processEvents processes file system events
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Renames into the directory arrive as Create
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.handleFileEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] Watcher error: %v", err)
		}
	}
}

// handleFileEvent restarts the debounce timer for path
func (w *Watcher) handleFileEvent(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceMap[path]; exists {
		timer.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceMap, path)
		w.debounceMu.Unlock()

		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.sink.Submit(path)
	})
}

// PendingCount returns the number of paths waiting out their debounce window
func (w *Watcher) PendingCount() int {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	return len(w.debounceMap)
}
