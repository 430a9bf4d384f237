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

// Package service keeps the controllers listed in a targets directory
// connected.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/collections"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/config"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/hostapi"
	"github.com/sirupsen/logrus"
)

const defaultReconnectInterval = 5 * time.Second

type Service interface {
	Start() error
	Stop() error
}

type service struct {
	ctx               context.Context
	cancel            context.CancelFunc
	log               *logrus.Entry
	hostAPI           hostapi.HostAPI
	targetsDir        string
	reconnectInterval time.Duration
	wg                sync.WaitGroup

	// owned by the service goroutine once started
	desired   map[string]*config.Entry
	connected map[string]hostapi.ConnectionID
}

func NewService(ctx context.Context, targetsDir string, hostAPI hostapi.HostAPI, reconnectInterval time.Duration) Service {
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	s := &service{
		log:               logrus.WithFields(logrus.Fields{"targets_dir": targetsDir}),
		hostAPI:           hostAPI,
		targetsDir:        targetsDir,
		reconnectInterval: reconnectInterval,
		desired:           map[string]*config.Entry{},
		connected:         map[string]hostapi.ConnectionID{},
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Start connects the targets found in the directory and keeps watching it.
// Targets that fail to connect or lose their connection are retried every
// reconnect interval.
func (s *service) Start() error {
	var fw config.FileWatcher
	events, err := fw.Watch(s.ctx, s.targetsDir)
	if err != nil {
		return err
	}
	s.reload()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.reconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					s.log.Infof("targets watcher closed")
					events = nil
					continue
				}
				if event.Op == config.Chmod {
					continue
				}
				s.log.Debugf("%s %s", event.Op, event.Name)
				s.reload()
			case <-ticker.C:
				s.reconcile()
			case <-s.ctx.Done():
				s.log.Infof("exiting the main func ctx done")
				return
			}
		}
	}()
	return nil
}

func (s *service) reload() {
	entries, err := config.LoadTargetsDir(s.targetsDir)
	if err != nil {
		s.log.WithError(err).Errorf("failed to load targets")
		return
	}
	s.desired = make(map[string]*config.Entry, len(entries))
	for _, e := range entries {
		s.desired[e.Key()] = e
	}
	s.log.Debugf("loaded %d targets:\n%s", len(entries), config.EntriesToString(entries))
	s.reconcile()
}

// reconcile disconnects controllers that are no longer wanted, lost their
// connection or some of their I/O queues, then connects every wanted target that is not connected.
func (s *service) reconcile() {
	live := map[hostapi.ConnectionID]hostapi.ConnectionInfo{}
	for _, info := range s.hostAPI.Connections() {
		live[info.ID] = info
	}
	for key, id := range s.connected {
		info, ok := live[id]
		switch {
		case !ok || !info.Connected:
			s.log.Warnf("connection %s to %s lost", id, key)
		case s.degraded(key, info):
			s.log.Warnf("connection %s to %s has %d io queues left", id, key, info.IOQueues)
		default:
			continue
		}
		s.disconnect(key)
	}
	for _, key := range collections.Difference(collections.Keys(s.connected), collections.Keys(s.desired)) {
		s.log.Infof("target %s removed", key)
		s.disconnect(key)
	}
	for _, key := range collections.Difference(collections.Keys(s.desired), collections.Keys(s.connected)) {
		entry := s.desired[key]
		id, err := s.hostAPI.Connect(entry.ConnectRequest())
		if err != nil {
			s.log.WithError(err).Errorf("failed to connect %s, retry in %s", entry, s.reconnectInterval)
			continue
		}
		s.log.Infof("connected %s as %s", key, id)
		s.connected[key] = id
	}
}

// degraded reports a connection that lost some of its I/O queues. It is
// replaced to get them back.
func (s *service) degraded(key string, info hostapi.ConnectionInfo) bool {
	entry, ok := s.desired[key]
	return ok && info.IOQueues < entry.NrIOQueues
}

func (s *service) disconnect(key string) {
	id, ok := s.connected[key]
	if !ok {
		return
	}
	delete(s.connected, key)
	if err := s.hostAPI.Disconnect(id); err != nil {
		s.log.WithError(err).Debugf("disconnect %s", id)
	}
}

// Stop stops watching and disconnects every target the service connected.
func (s *service) Stop() error {
	s.cancel()
	s.wg.Wait()
	for key := range s.connected {
		s.disconnect(key)
	}
	s.log.Debug("finished stopping service")
	return nil
}
