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
	"fmt"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

const (
	// icreqTimeout bounds the wait for the ICResp.
	icreqTimeout = 2 * time.Second
	// defaultConnectTimeout bounds the whole handshake when
	// ControllerOpts.ConnectTimeout is not set.
	defaultConnectTimeout = 10 * time.Second
	connectRetryDelay     = 10 * time.Millisecond
	connectPollPeriod     = time.Millisecond
)

// connectSock dials the target and binds the socket to the queue.
func (queue *Queue) connectSock(ctx context.Context) error {
	ctrl := queue.ctrl
	opts := ctrl.sockOptions()
	var s sock.Sock
	err := retry.Do(func() error {
		var err error
		s, err = ctrl.dial(ctx, ctrl.opts.Address, opts)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(ctrl.opts.ConnectRetries),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			queue.log.WithError(err).Debugf("connect attempt %d to %s failed", n+1, ctrl.opts.Address)
		}),
	)
	if err != nil {
		return fmt.Errorf("queue %d: %w", queue.id, err)
	}

	queue.sock = s
	queue.sockClosed = false
	queue.log = queue.log.WithFields(logrus.Fields{
		"local_addr":  s.LocalAddr(),
		"remote_addr": s.RemoteAddr(),
	})

	if pd := s.Caps().ProtectionDomain; pd != "" {
		if err := queue.bindDomain(pd); err != nil {
			queue.closeSock()
			return err
		}
	}
	if queue.group == nil {
		queue.notifyCh = make(chan struct{}, 1)
		s.SetNotify(queue.notify)
	}
	return nil
}

// bindDomain takes the memory domain of the socket protection domain so
// payload buffers can be translated for it.
func (queue *Queue) bindDomain(device string) error {
	domains := queue.ctrl.opts.Domains
	if domains == nil {
		return fmt.Errorf("%w: socket runs over protection domain %s without a domain registry", ErrNotSupported, device)
	}
	dom, err := domains.Get(device)
	if err != nil {
		return fmt.Errorf("failed to get memory domain %s: %w", device, err)
	}
	queue.memDomain = dom
	queue.memMap = registry.NewMemoryMap(dom)
	t, err := queue.memMap.Translate(queue.sendPDU.hdr[:])
	if err != nil {
		queue.releaseDomain()
		return fmt.Errorf("failed to translate transport memory: %w", err)
	}
	queue.pdusMKey = t.LKey
	queue.log.Debugf("using memory domain %s", device)
	return nil
}

func (queue *Queue) releaseDomain() {
	if queue.memDomain == nil {
		return
	}
	if err := queue.ctrl.opts.Domains.Put(queue.memDomain); err != nil {
		queue.log.WithError(err).Warnf("failed to release memory domain %s", queue.memDomain.Device())
	}
	queue.memDomain = nil
	queue.memMap = nil
}

func (queue *Queue) notify() {
	select {
	case queue.notifyCh <- struct{}{}:
	default:
	}
}

// wait blocks until the socket signals activity or d passes.
func (queue *Queue) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-queue.notifyCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// startConnect dials and sends the ICReq. The handshake then advances from
// ProcessCompletions.
func (queue *Queue) startConnect(ctx context.Context) error {
	if queue.state != QueueDisconnected {
		return fmt.Errorf("queue %d is %s", queue.id, queue.state)
	}
	queue.resetConnection()
	if err := queue.connectSock(ctx); err != nil {
		return err
	}
	queue.state = QueueConnecting
	queue.connectDeadline = queue.ctrl.now().Add(queue.ctrl.connectTimeout())
	if err := queue.icreqSend(); err != nil {
		queue.log.WithError(err).Errorf("failed to send icreq")
		_ = queue.fail()
		return err
	}
	return nil
}

// resetConnection clears what a previous connection negotiated.
func (queue *Queue) resetConnection() {
	queue.tcpState = tcpInvalid
	queue.recvState = recvAwaitPDUReady
	queue.failureReason = FailureNone
	queue.hostHdgst = false
	queue.hostDdgst = false
	queue.cpda = 0
	queue.maxH2CData = pdu.H2CDataMinSize
	queue.icreqSendAck = false
	queue.connectReq = nil
	queue.connectDone = false
	queue.connectErr = nil
	queue.chValid = 0
}

func (queue *Queue) icreqSend() error {
	p := &queue.sendPDU
	p.reset()
	p.treq = nil
	queue.frame(p, pdu.TypeICReq, pdu.ICReqLen, 0, 0)
	ic := &pdu.ICReq{PFV: pdu.PFV10}
	if queue.ctrl.opts.HeaderDigest {
		ic.Digest |= pdu.DigestHeader
	}
	if queue.ctrl.opts.DataDigest {
		ic.Digest |= pdu.DigestData
	}
	if err := p.setHeader(ic); err != nil {
		return err
	}
	queue.icreqDeadline = queue.ctrl.now().Add(icreqTimeout)
	return queue.writePDU(p, func() {
		queue.icreqSendAck = true
		if queue.tcpState == tcpInitializing {
			queue.tcpState = tcpFabricConnectSend
		}
	})
}

// connectPoll advances the bootstrap. It returns nil once the queue is
// running and ErrAgain while the handshake is in progress, including when
// called again from inside itself.
func (queue *Queue) connectPoll() error {
	if queue.inConnectPoll {
		return ErrAgain
	}
	queue.inConnectPoll = true
	defer func() { queue.inConnectPoll = false }()

	if queue.group == nil && queue.tcpState == tcpFabricConnectPoll {
		if _, err := queue.ProcessCompletions(0); err != nil {
			return err
		}
	}

	switch queue.tcpState {
	case tcpFabricConnectSend, tcpFabricConnectPoll:
		if !queue.connectDone && queue.ctrl.now().After(queue.connectDeadline) {
			return fmt.Errorf("%w: fabric connect not done within %s", ErrTimeout, queue.ctrl.connectTimeout())
		}
	}

	switch queue.tcpState {
	case tcpInvalid, tcpInitializing:
		if queue.ctrl.now().After(queue.icreqDeadline) {
			return fmt.Errorf("%w: no icresp within %s", ErrTimeout, icreqTimeout)
		}
		return ErrAgain
	case tcpFabricConnectSend:
		if err := queue.fabricConnectSend(); err != nil {
			return err
		}
		queue.tcpState = tcpFabricConnectPoll
		return ErrAgain
	case tcpFabricConnectPoll:
		if !queue.connectDone {
			return ErrAgain
		}
		if queue.connectErr != nil {
			return queue.connectErr
		}
		queue.tcpState = tcpRunning
		queue.state = QueueConnected
		queue.log.Infof("connected, hdgst %v ddgst %v maxh2cdata %d", queue.hostHdgst, queue.hostDdgst, queue.maxH2CData)
		return nil
	case tcpRunning:
		return nil
	default:
		return fmt.Errorf("%w: bootstrap state %s", ErrConnectionFatal, queue.tcpState)
	}
}

func (ctrl *Controller) connectTimeout() time.Duration {
	if ctrl.opts.ConnectTimeout > 0 {
		return ctrl.opts.ConnectTimeout
	}
	return defaultConnectTimeout
}

// fabricConnectSend submits the fabrics CONNECT for the queue.
func (queue *Queue) fabricConnectSend() error {
	ctrl := queue.ctrl
	cmd, err := nvme.NewConnectCommand(queue.id, uint16(queue.opts.Size), ctrl.opts.KeepAliveTimeout)
	if err != nil {
		return err
	}
	cntlID := nvme.AdminControllerID
	if !queue.IsAdmin() {
		cntlID = ctrl.cntlID
	}
	data, err := nvme.NewConnectData(ctrl.hostID, cntlID, ctrl.opts.SubsysNQN, ctrl.opts.HostNQN)
	if err != nil {
		return err
	}
	req := &Request{Cmd: cmd, Data: data}
	req.Callback = func(req *Request, cpl *nvme.Completion) {
		queue.connectDone = true
		if err := CompletionError(&req.Cmd, cpl); err != nil {
			queue.connectErr = fmt.Errorf("fabric connect rejected: %w", err)
			return
		}
		if queue.IsAdmin() {
			ctrl.cntlID = cpl.Result.U16()
		}
	}
	queue.connectReq = req
	return queue.Submit(req)
}

// connectSync connects a queue outside of a poll group and waits for the
// handshake.
func (queue *Queue) connectSync(ctx context.Context) error {
	if err := queue.startConnect(ctx); err != nil {
		return err
	}
	for {
		err := queue.connectPoll()
		switch {
		case err == nil:
			queue.resubmitQueued()
			return nil
		case err != ErrAgain:
			queue.log.WithError(err).Errorf("failed to connect")
			_ = queue.fail()
			queue.Disconnect()
			return err
		}
		// drive the exchange until the fabric connect is in flight
		if queue.tcpState != tcpFabricConnectPoll {
			if _, err := queue.ProcessCompletions(0); err != nil {
				queue.Disconnect()
				return err
			}
		}
		if ctx.Err() != nil {
			_ = queue.fail()
			queue.Disconnect()
			return fmt.Errorf("queue %d connect: %w", queue.id, ctx.Err())
		}
		queue.wait(ctx, connectPollPeriod)
	}
}
