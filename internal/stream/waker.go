package stream

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// waker turns filesystem writes to the audit log into wake-up signals.
// It is only a hint: the poll timer remains the source of truth.
type waker struct {
	watcher *fsnotify.Watcher
	ch      chan struct{}
	once    sync.Once
	done    chan struct{}
}

func newWaker(path string) (*waker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so the log being created or replaced is still seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &waker{
		watcher: watcher,
		ch:      make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case w.ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("audit log watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return w, nil
}

// C returns the wake channel. A nil waker never wakes.
func (w *waker) C() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.ch
}

// Close stops watching.
func (w *waker) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
