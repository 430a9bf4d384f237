// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type EventOp string

var (
	Create EventOp = "Create"
	Remove EventOp = "Remove"
	Modify EventOp = "Modify"
	Rename EventOp = "Rename"
	Chmod  EventOp = "Chmod"
)

type Event struct {
	Name string
	Op   EventOp
}

func toEvent(event fsnotify.Event) *Event {
	e := &Event{Name: event.Name}
	switch {
	case event.Has(fsnotify.Create):
		e.Op = Create
	case event.Has(fsnotify.Write):
		e.Op = Modify
	case event.Has(fsnotify.Remove):
		e.Op = Remove
	case event.Has(fsnotify.Rename):
		e.Op = Rename
	case event.Has(fsnotify.Chmod):
		e.Op = Chmod
	}
	return e
}

// FileWatcher reports changes of the files in a directory.
type FileWatcher struct {
	watcher *fsnotify.Watcher
}

// Watch starts watching path. The returned channel is closed when ctx is
// done or the watcher fails.
func (w *FileWatcher) Watch(ctx context.Context, path string) (<-chan *Event, error) {
	var err error
	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err = w.watcher.Add(path); err != nil {
		w.watcher.Close()
		logrus.WithError(err).Errorf("failed to open %q", path)
		return nil, err
	}

	ch := make(chan *Event)
	go func() {
		defer close(ch)
		defer w.watcher.Close()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				select {
				case ch <- toEvent(event):
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Errorf("inotify error")
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
