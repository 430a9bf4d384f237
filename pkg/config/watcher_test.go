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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan *Event, name string) *Event {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "watcher closed")
			if e.Name == name {
				return e
			}
		case <-timeout:
			t.Fatalf("no event for %s", name)
			return nil
		}
	}
}

func TestWatcher(t *testing.T) {
	dir := testutils.CreateTempDir(t)
	defer os.RemoveAll(dir)

	var fw FileWatcher
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := fw.Watch(ctx, dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "vol1.conf")
	testutils.CreateFile(t, path, "-t tcp -a 192.168.1.1 -n "+subnqn1)
	assert.Equal(t, Create, nextEvent(t, ch, path).Op)
	entries, err := ParseTargets(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	testutils.DeleteFile(t, path)
	// writes and attribute changes may be reported before the removal
	for nextEvent(t, ch, path).Op != Remove {
	}

	cancel()
	for range ch {
	}
}

func TestWatchMissingDir(t *testing.T) {
	var fw FileWatcher
	_, err := fw.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
