// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sequence

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc is notified when a package appears or disappears under the
// sequences directory. installed is false for removals.
type ChangeFunc func(name string, installed bool)

// Watcher notifies on package install/remove so the UI can refresh its
// catalog without polling.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	onEvent ChangeFunc
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the loader's directory.
func NewWatcher(loader *Loader, onEvent ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(loader.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		loader:  loader,
		watcher: fsw,
		onEvent: onEvent,
		logger:  logger.With(slog.String("component", "sequence")),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("sequence watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	// Install staging directories and dotfiles are not packages.
	if strings.HasPrefix(name, ".") {
		return
	}
	// Only top-level entries matter; edits inside packages are the
	// worker's concern at next start.
	if filepath.Dir(event.Name) != filepath.Clean(w.loader.Dir()) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename):
		if _, err := w.loader.Load(name); err != nil {
			return
		}
		w.logger.Info("sequence package installed", slog.String("package", name))
		if w.onEvent != nil {
			w.onEvent(name, true)
		}
	case event.Op.Has(fsnotify.Remove):
		w.logger.Info("sequence package removed", slog.String("package", name))
		if w.onEvent != nil {
			w.onEvent(name, false)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.watcher.Close()
		<-w.done
	})
}
