// Package watch turns a directory into a drop folder: files created or
// rewritten there are handed to a callback once they stop changing.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors directories and reports settled files.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]*fileState
	mu       sync.Mutex
	debounce time.Duration
	inflight sync.WaitGroup

	// Accept filters the files worth reporting. All files when nil.
	Accept func(path string) bool
	// OnFile runs for each settled file. Calls for one path never overlap.
	OnFile  func(ctx context.Context, path string) error
	OnError func(path string, err error)
}

type fileState struct {
	modified   time.Time
	size       int64
	timer      *time.Timer
	processing bool
}

// New creates a watcher waiting debounce after the last event on a file.
func New(debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fsWatcher,
		files:    make(map[string]*fileState),
		debounce: debounce,
	}, nil
}

// Add starts watching dir.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	return nil
}

// Run starts the watch loop. It blocks until ctx is cancelled, then waits
// for running callbacks.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.inflight.Wait()
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if w.Accept != nil && !w.Accept(path) {
				continue
			}
			w.schedule(ctx, path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.reportError("", err)
		}
	}
}

// schedule (re)starts the debounce timer of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, ok := w.files[path]
	if !ok {
		state = &fileState{}
		w.files[path] = state
	}
	if state.timer != nil && state.timer.Stop() {
		w.inflight.Done()
	}
	w.inflight.Add(1)
	state.timer = time.AfterFunc(w.debounce, func() {
		defer w.inflight.Done()
		w.handleChange(ctx, path, state)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.files {
		if s.timer != nil && s.timer.Stop() {
			w.inflight.Done()
		}
	}
}

func (w *Watcher) handleChange(ctx context.Context, path string, state *fileState) {
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	if state.processing {
		w.mu.Unlock()
		return
	}
	state.processing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		state.processing = false
		w.mu.Unlock()
	}()

	stat, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.reportError(path, err)
		}
		return
	}
	if stat.IsDir() {
		return
	}

	w.mu.Lock()
	unchanged := stat.ModTime().Equal(state.modified) && stat.Size() == state.size
	state.modified = stat.ModTime()
	state.size = stat.Size()
	w.mu.Unlock()
	if unchanged {
		return
	}

	if w.OnFile != nil {
		if err := w.OnFile(ctx, path); err != nil {
			w.reportError(path, err)
		}
	}
}

func (w *Watcher) reportError(path string, err error) {
	if w.OnError != nil {
		w.OnError(path, err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
