// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExternalChangeEvent describes a watched file changing outside the run.
type ExternalChangeEvent struct {
	Path string
	Op   string
	At   time.Time
}

// Watcher flags source files modified by something other than the run
// while the run is in flight.
//
// # Description
//
// Directories are watched rather than files: the applier replaces files
// via rename, which drops inode-level watches. Writes the run performs
// itself are announced with ExpectChange first, so only foreign edits
// count. The flag is advisory; the applier's checksum validation is the
// authoritative stale check.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Watcher struct {
	fsw       *fsnotify.Watcher
	mu        sync.Mutex
	tracked   map[string]bool
	expected  map[string]time.Time
	changed   map[string]bool
	callbacks []func(ExternalChangeEvent)
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates and starts a watcher.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		tracked:  make(map[string]bool),
		expected: make(map[string]time.Time),
		changed:  make(map[string]bool),
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "processor.Watcher"),
	}
	go w.watchLoop()
	return w, nil
}

// Add starts tracking a file.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.tracked[abs] = true
	w.mu.Unlock()

	// Watching the parent directory survives rename-replace writes.
	return w.fsw.Add(filepath.Dir(abs))
}

// expectWindow is how long after ExpectChange events for the path are
// attributed to the run's own write. A single rewrite can surface as
// several filesystem events, so suppression is time-based, not counted.
const expectWindow = 2 * time.Second

// ExpectChange announces an upcoming write by the run itself; events for
// the path within the next expectWindow are swallowed instead of flagged.
func (w *Watcher) ExpectChange(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[abs] = time.Now().Add(expectWindow)
}

// Changed reports whether a foreign edit was seen for the path.
func (w *Watcher) Changed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed[abs]
}

// OnChange registers a callback invoked for each foreign edit.
func (w *Watcher) OnChange(fn func(ExternalChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !w.tracked[abs] {
		w.mu.Unlock()
		return
	}
	if deadline, ok := w.expected[abs]; ok && time.Now().Before(deadline) {
		w.mu.Unlock()
		return
	}
	w.changed[abs] = true
	callbacks := make([]func(ExternalChangeEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	change := ExternalChangeEvent{Path: abs, Op: event.Op.String(), At: time.Now()}
	w.logger.Warn("file changed outside the run",
		"file", abs, "op", change.Op)
	for _, fn := range callbacks {
		fn(change)
	}
}
