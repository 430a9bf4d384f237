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

package nvmehost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/hostapi"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const statsPublishPeriod = time.Second

/*

Connection table that applies the HostAPI interface
	Connect(request *ConnectRequest) (ConnectionID, error)
	Disconnect(connectionID ConnectionID) error

Every connection owns a controller and a poll group holding its I/O queues.
Once connected, both are driven by one poller goroutine.

*/

// HostOptions are applied to every connection.
type HostOptions struct {
	HostNQN string
	HostID  uuid.UUID
	// Controller is the template of the per connection controller options.
	// Address, NQNs, host id, keep alive and digests come from the request.
	Controller ControllerOpts
	Group      PollGroupOptions
	// AccelWorkers starts a software accel engine per connection when non
	// zero.
	AccelWorkers int64
}

type connInfo struct {
	id      hostapi.ConnectionID
	request *hostapi.ConnectRequest
	ctrl    *Controller
	group   *PollGroup
	log     *logrus.Entry

	// closed once Connect finished; err is set when it failed
	ready chan struct{}
	err   error

	cancel context.CancelFunc
	done   chan error

	// updated by the poller goroutine
	connected atomic.Bool
	queues    atomic.Int32
	cntlID    uint16

	failed      map[*Queue]bool
	prev        Stats
	lastPublish time.Time
}

type hostApiImp struct {
	mu      sync.Mutex
	ConnTbl map[hostapi.ConnectionID]*connInfo
	log     *logrus.Entry
	i       int
	opts    HostOptions
}

func NewHostApi(opts HostOptions) hostapi.HostAPI {
	return &hostApiImp{
		ConnTbl: make(map[hostapi.ConnectionID]*connInfo),
		log:     logrus.WithFields(logrus.Fields{}),
		i:       1,
		opts:    opts,
	}
}

func (h *hostApiImp) controllerOpts(request *hostapi.ConnectRequest) (ControllerOpts, error) {
	opts := h.opts.Controller
	opts.Address = request.Address()
	opts.SubsysNQN = request.Subnqn
	opts.HostNQN = h.opts.HostNQN
	if request.Hostnqn != "" {
		opts.HostNQN = request.Hostnqn
	}
	opts.HostID = h.opts.HostID
	if request.Hostid != "" {
		id, err := uuid.Parse(request.Hostid)
		if err != nil {
			return opts, fmt.Errorf("invalid hostid %q: %w", request.Hostid, err)
		}
		opts.HostID = id
	}
	opts.KeepAliveTimeout = request.Kato
	opts.HeaderDigest = opts.HeaderDigest || request.HeaderDigest
	opts.DataDigest = opts.DataDigest || request.DataDigest
	return opts, nil
}

func (h *hostApiImp) Connect(request *hostapi.ConnectRequest) (hostapi.ConnectionID, error) {
	if err := request.Validate(); err != nil {
		return "", err
	}
	opts, err := h.controllerOpts(request)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if info, found := h.findClient(request); found {
		h.mu.Unlock()
		// a concurrent Connect of the same controller may still be running
		<-info.ready
		if info.err != nil {
			return "", info.err
		}
		h.log.Debugf("%s already connected as %v", request.ToOptions(), info.id)
		return info.id, nil
	}
	connectionID := h.nextConnectionID()
	h.i++
	info := &connInfo{
		id:      connectionID,
		request: request,
		log:     h.log.WithFields(logrus.Fields{"connection_id": connectionID, "traddr": opts.Address}),
		ready:   make(chan struct{}),
		failed:  map[*Queue]bool{},
	}
	h.ConnTbl[connectionID] = info
	h.mu.Unlock()

	if err := h.start(info, opts); err != nil {
		h.mu.Lock()
		delete(h.ConnTbl, connectionID)
		h.mu.Unlock()
		info.err = err
		close(info.ready)
		return "", err
	}
	close(info.ready)
	info.log.Infof("connected %s", request.ToOptions())
	return connectionID, nil
}

// start connects info and hands its group to a poller goroutine.
func (h *hostApiImp) start(info *connInfo, opts ControllerOpts) error {
	start := time.Now()
	if err := h.connect(info, opts); err != nil {
		return err
	}
	id := string(info.id)
	metrics.Metrics.ConnectDurationSeconds.WithLabelValues(id).Observe(time.Since(start).Seconds())
	metrics.Metrics.ControllersConnected.WithLabelValues(id, info.request.Traddr, info.request.Subnqn).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	info.cancel = cancel
	info.done = make(chan error, 1)
	info.connected.Store(true)
	go func() {
		info.done <- RunPollers(ctx, &Poller{
			Group:        info.group,
			OnDisconnect: info.queueFailed,
			Tick:         info.tick,
		})
	}()
	return nil
}

// connect creates the controller and its I/O queues and waits until every
// queue is connected.
func (h *hostApiImp) connect(info *connInfo, opts ControllerOpts) error {
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctrl, err := NewController(ctx, opts)
	if err != nil {
		return err
	}
	groupOpts := h.opts.Group
	if h.opts.AccelWorkers > 0 {
		groupOpts.Accel = accel.NewSoftwareEngine(accel.EngineOptions{Workers: h.opts.AccelWorkers})
	}
	info.ctrl = ctrl
	info.group = NewPollGroup(groupOpts)
	info.cntlID = ctrl.ControllerID()

	for i := 0; i < info.request.NrIOQueues; i++ {
		queue, err := ctrl.AllocIOQueue(QueueOptions{})
		if err == nil {
			if err = info.group.Add(queue); err == nil {
				err = info.group.ConnectQueue(ctx, queue)
			}
		}
		if err != nil {
			info.teardown()
			return fmt.Errorf("failed to create io queue %d: %w", i+1, err)
		}
	}
	for {
		if _, err := info.group.ProcessCompletions(0, nil); err != nil {
			info.teardown()
			return err
		}
		connected := 0
		for _, queue := range ctrl.IOQueues() {
			switch queue.State() {
			case QueueConnected:
				connected++
			case QueueDisconnecting, QueueDisconnected:
				info.teardown()
				return fmt.Errorf("%w: io queue %d failed while connecting (%s)", ErrConnectionFatal, queue.ID(), queue.FailureReason())
			}
		}
		if connected == info.request.NrIOQueues {
			info.queues.Store(int32(connected))
			metrics.Metrics.Queues.WithLabelValues(string(info.id)).Set(float64(connected))
			return nil
		}
		if ctx.Err() != nil {
			info.teardown()
			return fmt.Errorf("io queues not connected: %w", ctx.Err())
		}
		info.group.Wait(ctx, pollerIdleWait)
	}
}

// tick runs on the poller goroutine after every group poll.
func (info *connInfo) tick() error {
	if _, err := info.ctrl.ProcessAdminCompletions(0); err != nil {
		info.connected.Store(false)
		info.log.WithError(err).Errorf("admin queue failed (%s)", info.ctrl.AdminQueue().FailureReason())
		metrics.Metrics.QueueFailuresTotal.WithLabelValues(string(info.id), info.ctrl.AdminQueue().FailureReason().String()).Inc()
		return err
	}
	if now := time.Now(); now.Sub(info.lastPublish) >= statsPublishPeriod {
		info.lastPublish = now
		info.publishStats()
	}
	return nil
}

func (info *connInfo) queueFailed(queue *Queue) {
	if info.failed[queue] {
		return
	}
	info.failed[queue] = true
	// degraded until the connection is replaced with a full set of queues
	info.connected.Store(false)
	info.log.Warnf("io queue %d failed (%s), connection degraded", queue.ID(), queue.FailureReason())
	metrics.Metrics.QueueFailuresTotal.WithLabelValues(string(info.id), queue.FailureReason().String()).Inc()
	info.ctrl.DeleteIOQueue(queue)
	if queue.group == nil {
		delete(info.failed, queue)
	}
	info.queues.Store(int32(len(info.ctrl.IOQueues())))
	metrics.Metrics.Queues.WithLabelValues(string(info.id)).Set(float64(info.queues.Load()))
}

// publishStats exports what the group counters gained since the last call.
func (info *connInfo) publishStats() {
	cur := info.group.Stats()
	id := string(info.id)
	m := &metrics.Metrics
	m.PollsTotal.WithLabelValues(id).Add(float64(cur.Polls - info.prev.Polls))
	m.IdlePollsTotal.WithLabelValues(id).Add(float64(cur.IdlePolls - info.prev.IdlePolls))
	m.SubmittedRequestsTotal.WithLabelValues(id).Add(float64(cur.SubmittedRequests - info.prev.SubmittedRequests))
	m.CompletionsTotal.WithLabelValues(id).Add(float64(cur.NvmeCompletions - info.prev.NvmeCompletions))
	m.DataDigestsTotal.WithLabelValues(id, "send").Add(float64(cur.SendDdgsts - info.prev.SendDdgsts))
	m.DataDigestsTotal.WithLabelValues(id, "recv").Add(float64(cur.RecvDdgsts - info.prev.RecvDdgsts))
	m.OutstandingRequests.WithLabelValues(id).Set(float64(cur.OutstandingRequests))
	info.prev = cur
}

// teardown releases the controller and the group. The poller must not be
// running.
func (info *connInfo) teardown() {
	if info.ctrl != nil {
		info.ctrl.Close()
	}
	if info.group != nil {
		if err := info.group.Destroy(); err != nil {
			info.log.WithError(err).Warnf("failed to destroy poll group")
		}
	}
}

func (h *hostApiImp) Disconnect(connectionID hostapi.ConnectionID) error {
	h.mu.Lock()
	info, ok := h.ConnTbl[connectionID]
	h.mu.Unlock()
	if ok {
		<-info.ready
		h.mu.Lock()
		ok = h.ConnTbl[connectionID] == info
		if ok {
			delete(h.ConnTbl, connectionID)
		}
		h.mu.Unlock()
	}
	if !ok {
		return fmt.Errorf("connection with id %v not found", connectionID)
	}

	info.cancel()
	if err := <-info.done; err != nil && !errors.Is(err, ErrConnectionFatal) {
		info.log.WithError(err).Debugf("poller stopped")
	}
	info.teardown()
	metrics.Metrics.ControllersConnected.DeleteLabelValues(string(connectionID), info.request.Traddr, info.request.Subnqn)
	metrics.Metrics.Queues.DeleteLabelValues(string(connectionID))
	h.log.Debugf("cid %v  removed", connectionID)
	return nil
}

func (h *hostApiImp) Connections() []hostapi.ConnectionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]hostapi.ConnectionInfo, 0, len(h.ConnTbl))
	for id, info := range h.ConnTbl {
		select {
		case <-info.ready:
		default:
			// still connecting
			continue
		}
		conns = append(conns, hostapi.ConnectionInfo{
			ID:        id,
			Traddr:    info.request.Traddr,
			Trsvcid:   info.request.Trsvcid,
			Subnqn:    info.request.Subnqn,
			CntlID:    info.cntlID,
			IOQueues:  int(info.queues.Load()),
			Connected: info.connected.Load(),
		})
	}
	return conns
}

// Close disconnects every controller.
func (h *hostApiImp) Close() error {
	h.mu.Lock()
	ids := make([]hostapi.ConnectionID, 0, len(h.ConnTbl))
	for id := range h.ConnTbl {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := h.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *hostApiImp) nextConnectionID() hostapi.ConnectionID {
	return hostapi.ConnectionID(fmt.Sprintf("%d", h.i))
}

// findClient returns the connection, possibly still connecting, to the
// controller request names.
func (h *hostApiImp) findClient(r *hostapi.ConnectRequest) (*connInfo, bool) {
	for _, c := range h.ConnTbl {
		s := c.request
		if s.Traddr == r.Traddr &&
			s.Address() == r.Address() &&
			s.Subnqn == r.Subnqn &&
			s.Hostnqn == r.Hostnqn {
			return c, true
		}
	}
	return nil, false
}
