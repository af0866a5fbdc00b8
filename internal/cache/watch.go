package cache

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher reports container files that disappear from the cache
// directory, whoever removed them.
type dirWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func startDirWatcher(dir string, onRemove func(fileID string), logger *Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	dw := &dirWatcher{
		watcher: w,
		done:    make(chan struct{}),
	}

	dw.wg.Add(1)
	go func() {
		defer dw.wg.Done()

		for {
			select {
			case <-dw.done:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				name := filepath.Base(event.Name)
				if strings.HasSuffix(name, tempSuffix) {
					continue
				}
				onRemove(name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Cache directory watch error", "dir", dir, "error", err)
			}
		}
	}()

	return dw, nil
}

func (dw *dirWatcher) close() error {
	var err error
	dw.once.Do(func() {
		close(dw.done)
		err = dw.watcher.Close()
		dw.wg.Wait()
	})
	return err
}
