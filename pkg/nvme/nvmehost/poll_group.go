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
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultIOBufCount = 64
	// pollerIdleWait bounds the sleep of an idle poller so accel
	// completions, which do not wake the socket group, are still reaped.
	pollerIdleWait = time.Millisecond
)

var errNotInGroup = errors.New("queue does not belong to this poll group")

// PollGroupOptions size the resources shared by the queues of a group.
type PollGroupOptions struct {
	// SharedSlots is the number of request slots shared by every queue.
	// Zero gives each queue its own slots.
	SharedSlots int
	// RecvPDUs is the number of receive PDUs shared by every queue. Zero
	// gives each queue its own.
	RecvPDUs   int
	IOBufCount int
	IOBufSize  int
	// Accel runs data path sequences. Without it memory domain payloads are
	// rejected and data digests are computed inline.
	Accel accel.Engine
}

// PollGroup polls many queues from one goroutine.
type PollGroup struct {
	opts PollGroupOptions
	log  *logrus.Entry

	queues    []*Queue
	socks     *sock.Group
	slots     *slotPool
	recvPDUs  *recvPDUPool
	iobufs    *accel.IOBufPool
	accel     accel.Engine
	needsPoll *list.List

	stats     Stats
	inPolling bool
	perQueue  int
	reaped    int
}

func NewPollGroup(opts PollGroupOptions) *PollGroup {
	if opts.IOBufCount <= 0 {
		opts.IOBufCount = DefaultIOBufCount
	}
	g := &PollGroup{
		opts:      opts,
		log:       logrus.WithFields(logrus.Fields{"component": "poll_group"}),
		socks:     sock.NewGroup(),
		iobufs:    accel.NewIOBufPool(opts.IOBufCount, opts.IOBufSize),
		accel:     opts.Accel,
		needsPoll: list.New(),
	}
	if opts.SharedSlots > 0 {
		g.slots = newSlotPool(opts.SharedSlots, false)
	}
	if opts.RecvPDUs > 0 {
		g.recvPDUs = newRecvPDUPool(opts.RecvPDUs)
	}
	return g
}

// Stats returns the counters shared by the member queues.
func (g *PollGroup) Stats() Stats {
	return g.stats
}

// Len returns the number of member queues.
func (g *PollGroup) Len() int {
	return len(g.queues)
}

func (g *PollGroup) addNeedsPoll(queue *Queue) {
	if queue.needsPoll {
		return
	}
	queue.needsPoll = true
	queue.needsPollElem = g.needsPoll.PushBack(queue)
}

func (g *PollGroup) removeNeedsPoll(queue *Queue) {
	if !queue.needsPoll {
		return
	}
	g.needsPoll.Remove(queue.needsPollElem)
	queue.needsPollElem = nil
	queue.needsPoll = false
}

// Add makes the group poll queue. The queue must be idle.
func (g *PollGroup) Add(queue *Queue) error {
	if queue.group != nil {
		return fmt.Errorf("queue %d already belongs to a poll group", queue.id)
	}
	if queue.outstanding.Len() > 0 || queue.outstandingZcopy > 0 ||
		queue.recvState == recvAwaitPDUPSH || queue.recvState == recvAwaitPDUPayload {
		return fmt.Errorf("%w: queue %d is busy", ErrBusy, queue.id)
	}
	queue.group = g
	queue.stats = &g.stats
	queue.useGroupPool = g.slots != nil
	if g.recvPDUs != nil {
		queue.recvPDU = nil
	}
	if !queue.sockClosed {
		queue.sock.SetNotify(nil)
		if err := g.socks.Add(queue.sock, func() { g.sockEvent(queue) }); err != nil {
			g.detach(queue)
			return err
		}
	}
	g.queues = append(g.queues, queue)
	queue.log.Debugf("added to poll group")
	return nil
}

// Remove stops polling queue. Slots taken from the shared pool must have
// been returned first.
func (g *PollGroup) Remove(queue *Queue) error {
	if queue.group != g {
		return errNotInGroup
	}
	if g.slots != nil && (queue.outstanding.Len() > 0 || queue.outstandingZcopy > 0) {
		return fmt.Errorf("%w: queue %d holds shared request slots", ErrBusy, queue.id)
	}
	if !queue.sockClosed {
		if err := g.socks.Remove(queue.sock); err != nil {
			queue.log.WithError(err).Debugf("socket was not polled")
		}
	}
	for i, q := range g.queues {
		if q == queue {
			g.queues = append(g.queues[:i], g.queues[i+1:]...)
			break
		}
	}
	g.detach(queue)
	queue.log.Debugf("removed from poll group")
	return nil
}

func (g *PollGroup) detach(queue *Queue) {
	g.removeNeedsPoll(queue)
	switch {
	case queue.recvPDU == nil:
		queue.ownRecvPDU.reset()
	case queue.recvPDU != &queue.ownRecvPDU:
		// keep a partially received PDU
		queue.ownRecvPDU = *queue.recvPDU
		g.recvPDUs.put(queue.recvPDU)
	}
	queue.recvPDU = &queue.ownRecvPDU
	queue.ownStats = g.stats
	queue.stats = &queue.ownStats
	queue.useGroupPool = false
	queue.group = nil
	if !queue.sockClosed {
		queue.notifyCh = make(chan struct{}, 1)
		queue.sock.SetNotify(queue.notify)
	}
}

// ConnectQueue starts connecting a member queue. The handshake completes
// from ProcessCompletions; the queue reports QueueConnected once done.
func (g *PollGroup) ConnectQueue(ctx context.Context, queue *Queue) error {
	if queue.group != g {
		return errNotInGroup
	}
	if err := queue.startConnect(ctx); err != nil {
		return err
	}
	if queue.sockClosed {
		return fmt.Errorf("%w: queue %d failed while connecting", ErrConnectionFatal, queue.id)
	}
	if err := g.socks.Add(queue.sock, func() { g.sockEvent(queue) }); err != nil {
		queue.Disconnect()
		return err
	}
	return nil
}

func (g *PollGroup) sockEvent(queue *Queue) {
	n, err := queue.ProcessCompletions(g.perQueue)
	g.reaped += n
	if err != nil {
		queue.log.WithError(err).Debugf("queue failed while polling")
	}
}

// ProcessCompletions polls every member queue once and returns the
// completions reaped. disconnectedCb, when set, is called for each queue
// that failed or was disconnected; it is called on every poll until the
// queue is removed.
func (g *PollGroup) ProcessCompletions(perQueue int, disconnectedCb func(queue *Queue)) (int, error) {
	if g.inPolling {
		return 0, nil
	}
	g.inPolling = true
	defer func() { g.inPolling = false }()

	g.stats.Polls++
	g.perQueue = perQueue
	g.reaped = 0

	if g.accel != nil {
		g.accel.Poll()
	}
	for _, queue := range g.queues {
		if queue.sockClosed || queue.state == QueueDisconnected {
			continue
		}
		if err := queue.sock.Flush(); err != nil {
			queue.log.WithError(err).Errorf("failed to flush")
			_ = queue.fail()
		}
	}

	events := g.socks.Poll(math.MaxInt32)
	g.stats.SocketCompletions += uint64(events)
	if events == 0 {
		g.stats.IdlePolls++
	}

	for n := g.needsPoll.Len(); n > 0 && g.needsPoll.Len() > 0; n-- {
		queue := g.needsPoll.Front().Value.(*Queue)
		g.removeNeedsPoll(queue)
		g.sockEvent(queue)
	}

	for _, queue := range append([]*Queue(nil), g.queues...) {
		switch queue.state {
		case QueueConnecting:
			// the icreq deadline is checked even when the target is silent
			g.sockEvent(queue)
		case QueueDisconnecting:
			g.sockEvent(queue)
			if queue.state == QueueDisconnecting && queue.outstanding.Len() == 0 {
				queue.disconnectDone()
			}
		}
		if disconnectedCb != nil && queue.failureReason != FailureNone &&
			(queue.state == QueueDisconnecting || queue.state == QueueDisconnected) {
			disconnectedCb(queue)
		}
	}
	return g.reaped, nil
}

// Wait blocks until a member socket is active or timeout passes.
func (g *PollGroup) Wait(ctx context.Context, timeout time.Duration) {
	g.socks.Wait(ctx, timeout)
}

// Destroy releases the group. It fails with ErrBusy while queues remain.
func (g *PollGroup) Destroy() error {
	if len(g.queues) > 0 {
		return fmt.Errorf("%w: %d queues", ErrBusy, len(g.queues))
	}
	if g.accel != nil && g.accel.Outstanding() > 0 {
		return fmt.Errorf("%w: %d accel sequences outstanding", ErrBusy, g.accel.Outstanding())
	}
	g.log.Debugf("destroyed, polls %d idle %d completions %d", g.stats.Polls, g.stats.IdlePolls, g.stats.NvmeCompletions)
	return nil
}

// Poller drives one group from its own goroutine.
type Poller struct {
	Group *PollGroup
	// MaxPerQueue bounds the completions reaped per queue and poll.
	MaxPerQueue int
	// OnDisconnect is passed to ProcessCompletions.
	OnDisconnect func(queue *Queue)
	// Tick runs after every poll on the poller goroutine, where submitting
	// to the group's queues is allowed. An error stops every poller.
	Tick func() error
}

// RunPollers polls each group from its own goroutine until ctx is done or a
// Tick fails.
func RunPollers(ctx context.Context, pollers ...*Poller) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		p := p
		eg.Go(func() error {
			for ctx.Err() == nil {
				n, err := p.Group.ProcessCompletions(p.MaxPerQueue, p.OnDisconnect)
				if err != nil {
					return err
				}
				if p.Tick != nil {
					if err := p.Tick(); err != nil {
						return err
					}
				}
				if n == 0 {
					p.Group.Wait(ctx, pollerIdleWait)
				}
			}
			return nil
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
