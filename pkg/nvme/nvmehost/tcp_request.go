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
	"math/bits"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
)

const invalidCID = 0xffff

type reqState int

const (
	reqFree reqState = iota
	reqActive
	// reqActiveR2T is set from the first R2T until its data is sent.
	reqActiveR2T
)

func (s reqState) String() string {
	switch s {
	case reqFree:
		return "free"
	case reqActive:
		return "active"
	case reqActiveR2T:
		return "active_r2t"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ordering records the partial completion facts of one command. A command
// completes once sendAck and dataRecv are both set.
type ordering struct {
	sendAck  bool
	dataRecv bool
	// h2cSendWaitingAck: an R2T arrived before the capsule was acknowledged.
	h2cSendWaitingAck bool
	// r2tWaitingH2CComplete: the next R2T is stashed until the current H2C
	// data is acknowledged.
	r2tWaitingH2CComplete bool
	inProgressAccel       bool
	digestOffloaded       bool
}

// tcpRequest is one command slot. Its cid is fixed when the slot belongs to
// the queue and borrowed from the queue cid pool when the slot comes from a
// poll group.
type tcpRequest struct {
	queue *Queue
	cid   uint16
	state reqState
	req   *Request

	// iovs describes the payload in caller memory.
	iovs          [][]byte
	payloadSize   uint32
	datao         uint32
	expectedDatao uint32
	inCapsuleData bool

	ttag           uint16
	r2tlRemain     uint32
	activeR2Ts     int
	ttagR2TNext    uint16
	r2tlRemainNext uint32

	ord ordering
	rsp nvme.Completion

	pdu sendPDU

	// sockBufs holds received payload claimed from the socket.
	sockBufs []*sock.Buf
	// zcopyCopy replaces sockBufs once the chunk count passed maxZcopyIovs.
	zcopyCopy []byte

	iobuf       []byte
	iobufWaiter *accel.IOBufWaiter
	// staged is set once the payload was moved into iobuf.
	staged bool
	// crc receives digests computed by an accel engine.
	crc uint32
	// c2h state kept while an engine checks the data digest.
	recvDigest   [4]byte
	c2hFlags     uint8
	c2hDataLen   uint32
	outstanding  *list.Element
	zcopyHeld    bool
	accelSeqUsed bool
}

func (treq *tcpRequest) reset() {
	treq.state = reqActive
	treq.iovs = nil
	treq.payloadSize = 0
	treq.datao = 0
	treq.expectedDatao = 0
	treq.inCapsuleData = false
	treq.ttag = 0
	treq.r2tlRemain = 0
	treq.activeR2Ts = 0
	treq.ttagR2TNext = 0
	treq.r2tlRemainNext = 0
	treq.ord = ordering{}
	treq.rsp = nvme.Completion{}
	treq.pdu.reset()
	treq.sockBufs = nil
	treq.zcopyCopy = nil
	treq.iobuf = nil
	treq.iobufWaiter = nil
	treq.staged = false
	treq.crc = 0
	treq.c2hFlags = 0
	treq.c2hDataLen = 0
	treq.zcopyHeld = false
	treq.accelSeqUsed = false
}

func (treq *tcpRequest) String() string {
	return fmt.Sprintf("cid %d state %s datao %d/%d r2ts %d", treq.cid, treq.state,
		treq.datao, treq.payloadSize, treq.activeR2Ts)
}

func (treq *tcpRequest) freeSockBufs() {
	sock.FreeBufs(treq.sockBufs)
	treq.sockBufs = nil
}

// slotPool is a LIFO of free slots. It is used from one goroutine.
type slotPool struct {
	free []*tcpRequest
}

func newSlotPool(n int, fixedCIDs bool) *slotPool {
	p := &slotPool{free: make([]*tcpRequest, 0, n)}
	for i := n - 1; i >= 0; i-- {
		treq := &tcpRequest{cid: invalidCID}
		if fixedCIDs {
			treq.cid = uint16(i)
		}
		p.free = append(p.free, treq)
	}
	return p
}

func (p *slotPool) get() *tcpRequest {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	treq := p.free[n-1]
	p.free = p.free[:n-1]
	return treq
}

func (p *slotPool) put(treq *tcpRequest) {
	p.free = append(p.free, treq)
}

func (p *slotPool) available() int {
	return len(p.free)
}

// cidPool allocates the lowest free command identifier.
type cidPool struct {
	words []uint64
	size  int
	used  int
}

func newCIDPool(size int) *cidPool {
	return &cidPool{words: make([]uint64, (size+63)/64), size: size}
}

func (p *cidPool) get() (uint16, bool) {
	for i, w := range p.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		cid := i*64 + bit
		if cid >= p.size {
			return 0, false
		}
		p.words[i] |= 1 << bit
		p.used++
		return uint16(cid), true
	}
	return 0, false
}

func (p *cidPool) put(cid uint16) {
	i, bit := int(cid)/64, uint(cid)%64
	if p.words[i]&(1<<bit) != 0 {
		p.words[i] &^= 1 << bit
		p.used--
	}
}

func (queue *Queue) slots() *slotPool {
	if queue.useGroupPool {
		return queue.group.slots
	}
	return queue.ownSlots
}

// reqGet takes a free slot for req. ErrAgain means the caller retries once
// a command completes.
func (queue *Queue) reqGet(req *Request) (*tcpRequest, error) {
	pool := queue.slots()
	treq := pool.get()
	if treq == nil {
		return nil, ErrAgain
	}
	if queue.useGroupPool {
		cid, ok := queue.cids.get()
		if !ok {
			pool.put(treq)
			return nil, ErrAgain
		}
		treq.cid = cid
	}
	if treq.state != reqFree {
		pool.put(treq)
		return nil, fmt.Errorf("slot cid %d is %s on allocation", treq.cid, treq.state)
	}
	treq.queue = queue
	treq.reset()
	treq.req = req
	queue.lookup[treq.cid] = treq
	return treq, nil
}

// reqPut returns the slot. A slot is freed at most once per allocation.
func (queue *Queue) reqPut(treq *tcpRequest) error {
	if treq.state == reqFree {
		queue.log.Errorf("double free of request slot cid %d", treq.cid)
		return ErrSlotDoubleFree
	}
	treq.state = reqFree
	if int(treq.cid) < len(queue.lookup) && queue.lookup[treq.cid] == treq {
		queue.lookup[treq.cid] = nil
	}
	if treq.iobufWaiter != nil {
		treq.iobufWaiter.Cancel()
		treq.iobufWaiter = nil
	}
	if treq.iobuf != nil && queue.group != nil {
		queue.group.iobufs.Put(treq.iobuf)
	}
	treq.iobuf = nil
	treq.req = nil
	if queue.useGroupPool {
		queue.cids.put(treq.cid)
		treq.cid = invalidCID
		treq.queue = nil
	}
	queue.slots().put(treq)
	return nil
}

// activeRequest returns the outstanding slot for cid or nil.
func (queue *Queue) activeRequest(cid uint16) *tcpRequest {
	if int(cid) >= len(queue.lookup) {
		return nil
	}
	return queue.lookup[cid]
}
