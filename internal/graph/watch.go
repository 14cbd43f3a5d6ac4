// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher watches a persisted graph file for changes and debounces the
// resulting reload callback, adapted from the teacher's binary file
// watcher (which watches for writes to service binaries rather than the
// graph file, but follows the same fsnotify-plus-debounce shape).
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	onChange  func()

	mu     sync.Mutex
	timer  *time.Timer
	period time.Duration

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches the directory containing path (fsnotify does not
// reliably track a single file across editor rename-and-replace writes)
// and calls onChange, debounced by period, whenever path itself is
// written or recreated. A zero period uses a 250ms default.
func NewWatcher(path string, period time.Duration, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if period <= 0 {
		period = defaultReloadDebounce
	}

	w := &Watcher{
		path:      path,
		fsWatcher: fsWatcher,
		onChange:  onChange,
		period:    period,
		closeCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.debounce()
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.period, w.onChange)
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.closeCh)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
