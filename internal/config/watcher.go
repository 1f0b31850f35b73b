package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// FileEvent is a change to a watched file.
type FileEvent struct {
	Path string
	Op   string // "create", "write", "remove"
}

// Watcher reports changes to individual files. It watches the parent
// directory so files replaced by rename (as most editors do) keep being
// tracked.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	log       logr.Logger
	mu        sync.RWMutex
	files     map[string]chan FileEvent
	dirs      map[string]int
}

// NewWatcher creates a file watcher.
func NewWatcher(log logr.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		log:       log.WithName("watcher"),
		files:     make(map[string]chan FileEvent),
		dirs:      make(map[string]int),
	}
	go w.dispatch()
	return w, nil
}

// Watch returns a channel of events for path until ctx is done.
func (w *Watcher) Watch(ctx context.Context, path string) (<-chan FileEvent, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)

	w.mu.Lock()
	if _, dup := w.files[absPath]; dup {
		w.mu.Unlock()
		return nil, fmt.Errorf("already watching %s", absPath)
	}
	if w.dirs[dir] == 0 {
		if err := w.fsWatcher.Add(dir); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	ch := make(chan FileEvent, 16)
	w.files[absPath] = ch
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.files, absPath)
		close(ch)
		w.dirs[dir]--
		if w.dirs[dir] == 0 {
			delete(w.dirs, dir)
			_ = w.fsWatcher.Remove(dir)
		}
	}()

	return ch, nil
}

// dispatch runs the fsnotify event loop and routes events to watchers.
func (w *Watcher) dispatch() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			var op string
			switch {
			case event.Has(fsnotify.Create):
				op = "create"
			case event.Has(fsnotify.Write):
				op = "write"
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				op = "remove"
			default:
				continue
			}

			w.mu.RLock()
			if ch, ok := w.files[filepath.Clean(event.Name)]; ok {
				select {
				case ch <- FileEvent{Path: event.Name, Op: op}:
				default:
					w.log.Info("File event channel full, dropping event", "path", event.Name)
				}
			}
			w.mu.RUnlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "file watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
