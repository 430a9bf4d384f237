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
	"fmt"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/sirupsen/logrus"
)

// QueueState is the connection state seen by callers.
type QueueState int

const (
	QueueDisconnected QueueState = iota
	QueueConnecting
	QueueConnected
	QueueDisconnecting
)

func (s QueueState) String() string {
	switch s {
	case QueueDisconnected:
		return "disconnected"
	case QueueConnecting:
		return "connecting"
	case QueueConnected:
		return "connected"
	case QueueDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type tcpState int

const (
	tcpInvalid tcpState = iota
	tcpInitializing
	tcpFabricConnectSend
	tcpFabricConnectPoll
	tcpRunning
	tcpExiting
)

func (s tcpState) String() string {
	switch s {
	case tcpInvalid:
		return "invalid"
	case tcpInitializing:
		return "initializing"
	case tcpFabricConnectSend:
		return "fabric_connect_send"
	case tcpFabricConnectPoll:
		return "fabric_connect_poll"
	case tcpRunning:
		return "running"
	case tcpExiting:
		return "exiting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type recvState int

const (
	recvAwaitPDUReady recvState = iota
	recvAwaitPDUCH
	recvAwaitPDUPSH
	recvAwaitPDUPayload
	recvQuiescing
	recvError
)

func (s recvState) String() string {
	switch s {
	case recvAwaitPDUReady:
		return "await_pdu_ready"
	case recvAwaitPDUCH:
		return "await_pdu_ch"
	case recvAwaitPDUPSH:
		return "await_pdu_psh"
	case recvAwaitPDUPayload:
		return "await_pdu_payload"
	case recvQuiescing:
		return "quiescing"
	case recvError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FailureReason records why a queue left the connected state.
type FailureReason int

const (
	FailureNone FailureReason = iota
	// FailureLocal is a disconnect requested by the host.
	FailureLocal
	// FailureRemote is a termination request or a closed stream.
	FailureRemote
	FailureUnknown
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureLocal:
		return "local"
	case FailureRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Stats are transport counters. Queues in a poll group share the group's.
type Stats struct {
	Polls               uint64
	IdlePolls           uint64
	SocketCompletions   uint64
	NvmeCompletions     uint64
	SubmittedRequests   uint64
	QueuedRequests      uint64
	OutstandingRequests int64
	SendDdgsts          uint64
	RecvDdgsts          uint64
	ReceivedDataPDUs    uint64
	ReceivedDataIovs    uint64
	MaxDataIovsPerPDU   uint64
}

// QueueOptions describe one queue pair. ID 0 is the admin queue.
type QueueOptions struct {
	ID uint16
	// Size is the number of submission queue entries. One entry is kept
	// unused, so Size-1 commands may be outstanding.
	Size int
	// InCapsuleDataSize bounds writes carried inside the command capsule on
	// I/O queues.
	InCapsuleDataSize int
}

// Queue is one NVMe/TCP queue pair. All methods must be called from the
// goroutine that polls the queue.
type Queue struct {
	id         uint16
	ctrl       *Controller
	opts       QueueOptions
	numEntries int
	log        *logrus.Entry

	sock       sock.Sock
	sockClosed bool
	// notifyCh wakes synchronous waiters of a queue outside a poll group
	notifyCh chan struct{}

	state         QueueState
	tcpState      tcpState
	recvState     recvState
	failureReason FailureReason

	// negotiated by the ICReq/ICResp exchange
	hostHdgst  bool
	hostDdgst  bool
	cpda       uint8
	maxH2CData uint32
	maxR2T     int

	icreqSendAck  bool
	icreqDeadline time.Time
	// connectDeadline bounds the handshake up to the fabric connect response
	connectDeadline time.Time
	inConnectPoll   bool
	connectReq      *Request
	connectDone     bool
	connectErr      error

	// the common header is read here before a receive PDU is taken
	chBuf      [pdu.CommonHeaderLen]byte
	chValid    int
	recvPDU    *recvPDU
	ownRecvPDU recvPDU
	sendPDU    sendPDU

	ownSlots     *slotPool
	cids         *cidPool
	useGroupPool bool
	lookup       []*tcpRequest

	outstanding    *list.List
	sendQueue      *list.List
	queuedRequests *list.List

	group         *PollGroup
	needsPoll     bool
	needsPollElem *list.Element

	stats    *Stats
	ownStats Stats

	// asyncComplete counts completions delivered outside ProcessCompletions.
	asyncComplete       int
	inCompletionContext bool

	outstandingZcopy int

	memDomain *registry.MemoryDomain
	memMap    *registry.MemoryMap
	pdusMKey  uint32
}

func newQueue(ctrl *Controller, opts QueueOptions) (*Queue, error) {
	if opts.Size < 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQueueSize, opts.Size)
	}
	numEntries := opts.Size - 1
	queue := &Queue{
		id:             opts.ID,
		ctrl:           ctrl,
		opts:           opts,
		numEntries:     numEntries,
		log:            logrus.WithFields(logrus.Fields{"queue_id": opts.ID}),
		ownSlots:       newSlotPool(numEntries, true),
		cids:           newCIDPool(numEntries),
		lookup:         make([]*tcpRequest, numEntries),
		outstanding:    list.New(),
		sendQueue:      list.New(),
		queuedRequests: list.New(),
		maxR2T:         1,
		maxH2CData:     pdu.H2CDataMinSize,
		sockClosed:     true,
	}
	queue.stats = &queue.ownStats
	queue.recvPDU = &queue.ownRecvPDU
	queue.sendPDU.treq = nil
	return queue, nil
}

func (queue *Queue) ID() uint16 {
	return queue.id
}

func (queue *Queue) IsAdmin() bool {
	return queue.id == 0
}

func (queue *Queue) State() QueueState {
	return queue.state
}

func (queue *Queue) FailureReason() FailureReason {
	return queue.failureReason
}

// NumEntries returns how many commands may be outstanding.
func (queue *Queue) NumEntries() int {
	return queue.numEntries
}

// MaxH2CData returns the largest H2C data PDU the controller accepts.
func (queue *Queue) MaxH2CData() uint32 {
	return queue.maxH2CData
}

// Outstanding returns the number of commands waiting for completion.
func (queue *Queue) Outstanding() int {
	return queue.outstanding.Len()
}

// Stats returns a copy of the transport counters.
func (queue *Queue) Stats() Stats {
	return *queue.stats
}

func (queue *Queue) String() string {
	return fmt.Sprintf("queue %d (%s/%s/%s)", queue.id, queue.state, queue.tcpState, queue.recvState)
}

func (queue *Queue) isConnected() bool {
	return queue.state == QueueConnected
}

func (queue *Queue) setRecvState(state recvState) {
	if queue.recvState == state {
		queue.log.Errorf("recv state is already %s", state)
		return
	}
	if state == recvError && queue.outstanding.Len() != 0 {
		queue.log.Warnf("entering recv state error with %d outstanding requests", queue.outstanding.Len())
	}
	queue.log.Debugf("recv state %s -> %s", queue.recvState, state)
	queue.recvState = state
	if (state == recvAwaitPDUReady || state == recvError) && queue.recvPDU != nil {
		queue.recvPDUPut()
	}
}

// recvPDUGet returns the PDU the next header is read into. With a group PDU
// pool it may return nil while every pooled PDU is in use.
func (queue *Queue) recvPDUGet() *recvPDU {
	if queue.group != nil && queue.group.recvPDUs != nil {
		return queue.group.recvPDUs.get()
	}
	queue.ownRecvPDU.reset()
	return &queue.ownRecvPDU
}

func (queue *Queue) recvPDUPut() {
	if queue.group != nil && queue.group.recvPDUs != nil {
		queue.group.recvPDUs.put(queue.recvPDU)
		queue.recvPDU = nil
	}
}

// Submit sends req. ErrAgain reports that every request slot is in use;
// the caller retries after a completion. Commands submitted while the queue
// is connecting are held and sent once the fabric connect finished.
func (queue *Queue) Submit(req *Request) error {
	if req.Callback == nil {
		return fmt.Errorf("request %s has no callback", req.Cmd.String())
	}
	switch queue.state {
	case QueueDisconnected, QueueDisconnecting:
		return ErrQueueDisconnected
	case QueueConnecting:
		if req != queue.connectReq {
			req.queue = queue
			queue.queuedRequests.PushBack(req)
			queue.stats.QueuedRequests++
			return nil
		}
	}
	return queue.submit(req)
}

func (queue *Queue) submit(req *Request) error {
	if err := queue.checkPayload(req); err != nil {
		return err
	}
	treq, err := queue.reqGet(req)
	if err != nil {
		queue.stats.QueuedRequests++
		return err
	}
	req.queue = queue
	req.treq = treq
	req.timedOut = false
	req.submitTime = queue.ctrl.now()
	if err := queue.reqInit(treq); err != nil {
		queue.log.WithError(err).Errorf("failed to build request %s", req.Cmd.String())
		_ = queue.reqPut(treq)
		return err
	}

	accelInCapsule := queue.needsAccelInCapsule(treq)
	if accelInCapsule && !queue.hasAccel() {
		queue.log.Errorf("accel sequences are only supported with poll groups")
		_ = queue.reqPut(treq)
		return ErrNotSupported
	}

	treq.outstanding = queue.outstanding.PushBack(treq)
	queue.stats.OutstandingRequests++
	if accelInCapsule {
		err = queue.submitAccelInCapsule(treq)
	} else {
		err = queue.capsuleCmdSend(treq)
	}
	if err != nil {
		queue.outstanding.Remove(treq.outstanding)
		treq.outstanding = nil
		queue.stats.OutstandingRequests--
		_ = queue.reqPut(treq)
		return err
	}
	return nil
}

// checkPayload rejects payload kinds the queue cannot carry.
func (queue *Queue) checkPayload(req *Request) error {
	if req.Zcopy {
		if req.Cmd.DataTransfer() != nvme.DataTransferControllerToHost {
			return fmt.Errorf("%w: zero copy payload on %s", ErrNotSupported, req.Cmd.String())
		}
		if !queue.sock.Caps().Zcopy {
			return fmt.Errorf("%w: socket has no zero copy receive", ErrNotSupported)
		}
	}
	if req.hasMemoryDomain() {
		if queue.group == nil || queue.group.accel == nil {
			return fmt.Errorf("%w: memory domain payload needs a poll group with an accel engine", ErrNotSupported)
		}
		if req.Cmd.DataTransfer() == nvme.DataTransferControllerToHost && !queue.sock.Caps().Zcopy {
			return fmt.Errorf("%w: memory domain read needs zero copy receive", ErrNotSupported)
		}
	}
	return nil
}

// reqInit sets the command identifier and data pointer and collects the
// payload iovecs.
func (queue *Queue) reqInit(treq *tcpRequest) error {
	req := treq.req
	req.Cmd.CommandID = treq.cid

	size := req.PayloadSize()
	treq.payloadSize = uint32(size)
	if !req.Zcopy {
		treq.iovs = req.buffers()
		if got := nvme.BuffersLen(treq.iovs); got != size {
			return fmt.Errorf("payload buffers hold %d bytes, expected %d", got, size)
		}
	}

	req.Cmd.SetSGLMptrContig()
	req.Cmd.Dptr.SetSgHostData(uint32(size))
	if req.Cmd.DataTransfer() == nvme.DataTransferHostToController {
		maxInCapsule := queue.opts.InCapsuleDataSize
		if req.Cmd.IsFabrics() || queue.IsAdmin() {
			maxInCapsule = pdu.InCapsuleDataMaxSize
		}
		if size <= maxInCapsule {
			req.Cmd.Dptr.SetSgInline(uint32(size))
			treq.inCapsuleData = true
		}
	}
	return nil
}

// capsuleCmdSend frames the command capsule with any in-capsule data.
func (queue *Queue) capsuleCmdSend(treq *tcpRequest) error {
	p := &treq.pdu
	p.reset()
	p.treq = treq
	dataLen := 0
	if treq.payloadSize > 0 && treq.inCapsuleData {
		dataLen = int(treq.payloadSize)
	}
	queue.frame(p, pdu.TypeCapsuleCmd, pdu.CapsuleCmdLen, dataLen, 0)
	if err := p.setHeader(&pdu.CapsuleCmd{CCSQE: treq.req.Cmd}); err != nil {
		return err
	}
	if dataLen > 0 {
		treq.datao = 0
		p.setData(treq.iovs, dataLen)
	}
	queue.stats.SubmittedRequests++
	return queue.writePDU(p, func() { queue.cmdSendComplete(treq) })
}

// ProcessCompletions reads and handles PDUs until max completions were
// reaped (0 means up to the queue depth). It returns the completions
// delivered. ErrConnectionFatal means the queue failed; every outstanding
// command was or will be completed with an abort status.
func (queue *Queue) ProcessCompletions(max int) (int, error) {
	if queue.state == QueueDisconnected {
		return 0, ErrQueueDisconnected
	}
	if queue.group == nil {
		if err := queue.flush(); err != nil {
			queue.log.WithError(err).Debugf("failed to flush")
			if queue.ctrl.timeoutEnabled() {
				queue.checkTimeout()
			}
			if queue.state == QueueDisconnecting {
				if queue.outstanding.Len() == 0 {
					queue.disconnectDone()
				}
				return 0, nil
			}
			return 0, err
		}
	}

	if max == 0 || max > queue.numEntries {
		max = queue.numEntries
	}

	queue.inCompletionContext = true
	reaped, err := queue.readPDU(max)
	queue.inCompletionContext = false
	if err != nil {
		queue.log.WithError(err).Debugf("error polling queue")
		if !queue.sockClosed {
			// push a pending termination request before the socket goes
			_ = queue.sock.Flush()
		}
		return reaped, queue.fail()
	}

	if queue.ctrl.timeoutEnabled() {
		queue.checkTimeout()
	}

	if queue.state == QueueConnecting {
		err := queue.connectPoll()
		switch {
		case err == nil:
			queue.resubmitQueued()
		case err != ErrAgain:
			queue.log.WithError(err).Errorf("failed to connect")
			return reaped, fmt.Errorf("%w: %w", queue.fail(), err)
		}
	}

	if queue.group == nil && !queue.sockClosed {
		// push writes produced while handling this batch
		_ = queue.sock.Flush()
	}
	return reaped, nil
}

// flush pushes queued writes and runs the callbacks of finished ones.
func (queue *Queue) flush() error {
	if queue.sockClosed {
		return sock.ErrClosed
	}
	if err := queue.sock.Flush(); err != nil {
		return err
	}
	queue.sock.CompleteWrites()
	return nil
}

func (queue *Queue) fail() error {
	if queue.failureReason == FailureNone {
		queue.failureReason = FailureUnknown
	}
	if queue.state != QueueDisconnected {
		queue.state = QueueDisconnecting
	}
	queue.disconnect()
	return ErrConnectionFatal
}

// resubmitQueued sends the commands held while the queue was connecting.
func (queue *Queue) resubmitQueued() {
	for queue.queuedRequests.Len() > 0 {
		e := queue.queuedRequests.Front()
		req := e.Value.(*Request)
		if err := queue.submit(req); err != nil {
			if err == ErrAgain {
				return
			}
			queue.queuedRequests.Remove(e)
			queue.log.WithError(err).Errorf("failed to resubmit %s", req.Cmd.String())
			cpl := nvme.NewCompletion(req.Cmd.CommandID, queue.id, nvme.SCInternalDeviceError)
			req.Callback(req, cpl)
			continue
		}
		queue.queuedRequests.Remove(e)
	}
}

// Disconnect tears the queue down. Outstanding commands complete with an
// abort status. Calling it again only releases what is left.
func (queue *Queue) Disconnect() {
	if queue.state == QueueDisconnected {
		queue.closeSock()
		return
	}
	if queue.failureReason == FailureNone {
		queue.failureReason = FailureLocal
	}
	queue.state = QueueDisconnecting
	queue.disconnect()
	if queue.outstanding.Len() == 0 {
		queue.disconnectDone()
	}
}

// disconnect releases the socket and aborts every outstanding command.
func (queue *Queue) disconnect() {
	if queue.needsPoll {
		queue.group.removeNeedsPoll(queue)
	}
	if queue.outstandingZcopy == 0 {
		queue.closeSock()
	} else {
		queue.log.Infof("cannot close socket, %d zero copy requests pending", queue.outstandingZcopy)
		if queue.group != nil {
			// a dead socket stays readable, stop polling it until it is closed
			_ = queue.group.socks.Remove(queue.sock)
		}
	}
	for e := queue.sendQueue.Front(); e != nil; {
		next := e.Next()
		e.Value.(*sendPDU).elem = nil
		queue.sendQueue.Remove(e)
		e = next
	}
	queue.abortRequests(false)
	if queue.recvState != recvQuiescing && queue.recvState != recvError {
		queue.setRecvState(recvQuiescing)
	}
}

func (queue *Queue) disconnectDone() {
	if queue.state == QueueDisconnected {
		return
	}
	queue.log.Debugf("disconnected")
	queue.state = QueueDisconnected
	for e := queue.queuedRequests.Front(); e != nil; e = queue.queuedRequests.Front() {
		queue.queuedRequests.Remove(e)
		req := e.Value.(*Request)
		cpl := nvme.NewCompletion(req.Cmd.CommandID, queue.id, nvme.SCAbortedSQDeletion)
		req.Callback(req, cpl)
	}
}

func (queue *Queue) closeSock() {
	if queue.sockClosed || queue.sock == nil {
		return
	}
	if queue.group != nil {
		_ = queue.group.socks.Remove(queue.sock)
	}
	if err := queue.sock.Close(); err != nil {
		queue.log.WithError(err).Warnf("failed to close socket")
	}
	queue.sockClosed = true
}

// abortRequests completes every outstanding command with ABORTED_SQ_DELETION.
// Commands inside an accel sequence are completed from its callback.
func (queue *Queue) abortRequests(dnr bool) {
	var cpl nvme.Completion
	for e := queue.outstanding.Front(); e != nil; {
		next := e.Next()
		treq := e.Value.(*tcpRequest)
		e = next
		if treq.ord.inProgressAccel {
			continue
		}
		treq.freeSockBufs()
		treq.zcopyCopy = nil
		cpl = nvme.Completion{CommandID: treq.cid, SqID: queue.id}
		cpl.SetStatus(nvme.SCTGeneric, nvme.SCAbortedSQDeletion, dnr)
		queue.complete(treq, &cpl)
	}
}

// AbortAERs completes outstanding asynchronous event requests with an
// abort status.
func (queue *Queue) AbortAERs() {
	for e := queue.outstanding.Front(); e != nil; {
		next := e.Next()
		treq := e.Value.(*tcpRequest)
		e = next
		if treq.req.Cmd.Opcode != nvme.AdminAsyncEvent || !queue.IsAdmin() {
			continue
		}
		cpl := nvme.NewCompletion(treq.cid, queue.id, nvme.SCAbortedSQDeletion)
		queue.complete(treq, cpl)
	}
}

// IterateRequests calls fn for every outstanding command in submission
// order and stops at the first error.
func (queue *Queue) IterateRequests(fn func(req *Request) error) error {
	for e := queue.outstanding.Front(); e != nil; {
		next := e.Next()
		if err := fn(e.Value.(*tcpRequest).req); err != nil {
			return err
		}
		e = next
	}
	return nil
}

// FreeRequest releases a zero copy read after its callback ran.
func (queue *Queue) FreeRequest(req *Request) error {
	treq := queue.activeRequest(req.Cmd.CommandID)
	if treq == nil || treq.req != req {
		queue.log.Errorf("failed to find request to free: cid %d", req.Cmd.CommandID)
		return ErrUnknownRequest
	}
	treq.freeSockBufs()
	treq.zcopyCopy = nil
	req.ZcopyData = nil
	if treq.zcopyHeld {
		treq.zcopyHeld = false
		queue.outstandingZcopy--
	}
	if err := queue.reqPut(treq); err != nil {
		return err
	}
	if queue.group != nil && queue.queuedRequests.Len() > 0 && !queue.needsPoll {
		queue.group.addNeedsPoll(queue)
	}
	queue.asyncComplete++

	if queue.outstandingZcopy == 0 && queue.state != QueueConnected && queue.state != QueueConnecting {
		queue.closeSock()
	}
	return nil
}

// checkTimeout walks outstanding commands in submission order and stops at
// the first one still within its timeout.
func (queue *Queue) checkTimeout() {
	ctrl := queue.ctrl
	if !ctrl.ready || ctrl.timeoutCb == nil {
		return
	}
	now := ctrl.now()
	timeout := ctrl.ioTimeout
	if queue.IsAdmin() {
		timeout = ctrl.adminTimeout
	}
	for e := queue.outstanding.Front(); e != nil; {
		next := e.Next()
		treq := e.Value.(*tcpRequest)
		e = next
		req := treq.req
		if req.timedOut || req.submitTime.IsZero() {
			continue
		}
		if queue.IsAdmin() && req.Cmd.Opcode == nvme.AdminAsyncEvent {
			continue
		}
		if now.Before(req.submitTime.Add(timeout)) {
			break
		}
		req.timedOut = true
		ctrl.timeoutCb(ctrl, queue, req)
		if queue.state != QueueConnected {
			// the callback failed the queue
			return
		}
	}
}
