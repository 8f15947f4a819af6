package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an atomic write produces
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports project ids whose files changed on disk
type Watcher struct {
	kv       *FileKV
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher watches the FileKV directory
func NewWatcher(kv *FileKV) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(kv.Dir()); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", kv.Dir(), err)
	}
	return &Watcher{kv: kv, watcher: w, debounce: DefaultDebounce}, nil
}

// Run delivers changed project ids to onChange until ctx is done.
// onChange is called from a timer goroutine, once per burst per id.
func (w *Watcher) Run(ctx context.Context, onChange func(id string)) {
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			key, ok := w.kv.KeyForPath(event.Name)
			if !ok {
				continue
			}
			id, ok := ProjectIDFromKey(key)
			if !ok {
				continue
			}
			mu.Lock()
			if t, exists := timers[id]; exists {
				t.Reset(w.debounce)
			} else {
				timers[id] = time.AfterFunc(w.debounce, func() {
					mu.Lock()
					delete(timers, id)
					mu.Unlock()
					if ctx.Err() == nil {
						onChange(id)
					}
				})
			}
			mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Store watcher error", "error", err)
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
