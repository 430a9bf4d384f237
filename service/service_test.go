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

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/hostapi"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reconnectInterval = 20 * time.Millisecond
	waitTimeout       = 5 * time.Second
	firstSubsysNQN    = "nqn.2016-01.com.example:subsys1"
	secondSubsysNQN   = "nqn.2016-01.com.example:subsys2"
)

type hostAPIMock struct {
	mu    sync.Mutex
	next  int
	conns map[hostapi.ConnectionID]*hostapi.ConnectRequest
	down  map[hostapi.ConnectionID]bool
	// lost counts the I/O queues each connection dropped
	lost map[hostapi.ConnectionID]int
	// failures is the number of Connect calls to reject per traddr
	failures map[string]int
	connects int
}

func newHostAPIMock() *hostAPIMock {
	return &hostAPIMock{
		conns:    map[hostapi.ConnectionID]*hostapi.ConnectRequest{},
		down:     map[hostapi.ConnectionID]bool{},
		lost:     map[hostapi.ConnectionID]int{},
		failures: map[string]int{},
	}
}

func (h *hostAPIMock) Connect(request *hostapi.ConnectRequest) (hostapi.ConnectionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	if h.failures[request.Traddr] > 0 {
		h.failures[request.Traddr]--
		return "", errors.New("connection refused")
	}
	h.next++
	id := hostapi.ConnectionID(fmt.Sprintf("%d", h.next))
	h.conns[id] = request
	return id, nil
}

func (h *hostAPIMock) Disconnect(id hostapi.ConnectionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return fmt.Errorf("connection %s not found", id)
	}
	delete(h.conns, id)
	delete(h.down, id)
	delete(h.lost, id)
	return nil
}

func (h *hostAPIMock) Connections() []hostapi.ConnectionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var infos []hostapi.ConnectionInfo
	for id, r := range h.conns {
		infos = append(infos, hostapi.ConnectionInfo{
			ID:        id,
			Traddr:    r.Traddr,
			Subnqn:    r.Subnqn,
			IOQueues:  r.NrIOQueues - h.lost[id],
			Connected: !h.down[id],
		})
	}
	return infos
}

func (h *hostAPIMock) Close() error {
	return nil
}

// connected returns the traddr of every live connection, sorted.
func (h *hostAPIMock) connected() []string {
	var addrs []string
	for _, info := range h.Connections() {
		if info.Connected {
			addrs = append(addrs, info.Traddr)
		}
	}
	sort.Strings(addrs)
	return addrs
}

func (h *hostAPIMock) drop(traddr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.conns {
		if r.Traddr == traddr {
			h.down[id] = true
		}
	}
}

func (h *hostAPIMock) loseQueue(traddr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.conns {
		if r.Traddr == traddr {
			h.lost[id]++
		}
	}
}

func genFileContent(subsysNQN string, addrs ...string) string {
	var sb strings.Builder
	for _, addr := range addrs {
		sb.WriteString(fmt.Sprintf("-t tcp -a %s -s 4420 -n %s -k 30\n", addr, subsysNQN))
	}
	return sb.String()
}

func waitConnected(t *testing.T, h *hostAPIMock, expected ...string) {
	sort.Strings(expected)
	require.Eventually(t, func() bool {
		return strings.Join(h.connected(), ",") == strings.Join(expected, ",")
	}, waitTimeout, reconnectInterval, "expected %v", expected)
}

func TestServiceFollowsTargetsDir(t *testing.T) {
	dir := testutils.CreateTempDir(t)
	defer os.RemoveAll(dir)
	testutils.CreateFile(t, filepath.Join(dir, "vol1.conf"), genFileContent(firstSubsysNQN, "192.168.1.1", "192.168.1.2"))

	h := newHostAPIMock()
	s := NewService(context.Background(), dir, h, reconnectInterval)
	require.NoError(t, s.Start())
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, h.connected(), "initial targets connect on start")

	vol2 := filepath.Join(dir, "vol2.conf")
	testutils.CreateFile(t, vol2, genFileContent(secondSubsysNQN, "192.168.2.1"))
	waitConnected(t, h, "192.168.1.1", "192.168.1.2", "192.168.2.1")

	testutils.CreateFile(t, filepath.Join(dir, "vol1.conf"), genFileContent(firstSubsysNQN, "192.168.1.2"))
	waitConnected(t, h, "192.168.1.2", "192.168.2.1")

	testutils.DeleteFile(t, vol2)
	waitConnected(t, h, "192.168.1.2")

	require.NoError(t, s.Stop())
	assert.Empty(t, h.connected())
}

func TestServiceRetriesFailedTargets(t *testing.T) {
	dir := t.TempDir()
	testutils.CreateFile(t, filepath.Join(dir, "vol1.conf"), genFileContent(firstSubsysNQN, "10.0.0.1", "10.0.0.2"))

	h := newHostAPIMock()
	h.failures["10.0.0.2"] = 2
	s := NewService(context.Background(), dir, h, reconnectInterval)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Equal(t, []string{"10.0.0.1"}, h.connected())
	waitConnected(t, h, "10.0.0.1", "10.0.0.2")

	h.mu.Lock()
	before := h.connects
	h.mu.Unlock()
	h.drop("10.0.0.1")
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects > before && len(h.conns) == 2 && len(h.down) == 0
	}, waitTimeout, reconnectInterval, "lost connection is replaced")
	waitConnected(t, h, "10.0.0.1", "10.0.0.2")
}

func TestServiceReplacesDegradedConnection(t *testing.T) {
	dir := t.TempDir()
	testutils.CreateFile(t, filepath.Join(dir, "vol1.conf"), "-t tcp -a 10.0.1.1 -s 4420 -n "+firstSubsysNQN+" -i 2\n")

	h := newHostAPIMock()
	s := NewService(context.Background(), dir, h, reconnectInterval)
	require.NoError(t, s.Start())
	defer s.Stop()
	waitConnected(t, h, "10.0.1.1")

	h.mu.Lock()
	before := h.connects
	h.mu.Unlock()
	h.loseQueue("10.0.1.1")
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connects > before && len(h.conns) == 1 && len(h.lost) == 0
	}, waitTimeout, reconnectInterval, "connection with a lost io queue is replaced")

	infos := h.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].IOQueues)
	assert.True(t, infos[0].Connected)
}

func TestServiceMissingDir(t *testing.T) {
	s := NewService(context.Background(), filepath.Join(t.TempDir(), "missing"), newHostAPIMock(), 0)
	assert.Error(t, s.Start())
}
