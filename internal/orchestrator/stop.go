package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StopFile is the signal file written by `mise cancel`.
const StopFile = "stop"

// StopPath returns the stop signal path under stateDir.
func StopPath(stateDir string) string {
	return filepath.Join(stateDir, "signals", StopFile)
}

// RequestStop asks a running loop to shut down gracefully.
func RequestStop(stateDir string) error {
	path := StopPath(stateDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create signals directory: %w", err)
	}
	if err := os.WriteFile(path, []byte("stop\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write stop signal: %w", err)
	}
	return nil
}

// StopWatcher calls OnStop once when the stop file appears.
type StopWatcher struct {
	dir     string
	onStop  func()
	watcher *fsnotify.Watcher
	once    sync.Once
	done    chan struct{}
}

// NewStopWatcher watches <stateDir>/signals. A stop file left over from an
// earlier run is removed first.
func NewStopWatcher(stateDir string, onStop func()) (*StopWatcher, error) {
	path := StopPath(stateDir)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create signals directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear stop signal: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &StopWatcher{dir: dir, onStop: onStop, watcher: watcher, done: make(chan struct{})}
	go w.watch()
	return w, nil
}

func (w *StopWatcher) watch() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == StopFile && ev.Has(fsnotify.Create|fsnotify.Write) {
				w.once.Do(func() {
					os.Remove(ev.Name)
					w.onStop()
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: stop watcher: %v", err)
		}
	}
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *StopWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
