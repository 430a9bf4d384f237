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

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
)

// sendPDU is an outgoing PDU. The header, its digest and the padding up to
// pdo live in hdr; the payload is referenced from caller memory.
type sendPDU struct {
	ch      pdu.CommonHeader
	hdr     [pdu.MaxHeaderBufferLen]byte
	hdrLen  int
	data    [][]byte
	dataLen int
	// datao is the payload offset of an H2C data PDU.
	datao uint32
	ddgst [pdu.DigestLen]byte
	treq  *tcpRequest
	cb    func()
	iovs  [][]byte
	mkeys []uint32
	wr    sock.WriteRequest
	elem  *list.Element
}

func (p *sendPDU) reset() {
	p.ch = pdu.CommonHeader{}
	p.hdrLen = 0
	p.data = nil
	p.dataLen = 0
	p.datao = 0
	p.cb = nil
	p.elem = nil
}

// frame fills the common header of a PDU with a type header of hlen bytes
// and dataLen payload bytes, aligning the payload to cpda.
func (queue *Queue) frame(p *sendPDU, t pdu.Type, hlen int, dataLen int, flags uint8) {
	p.ch = pdu.CommonHeader{Type: t, Flags: flags, HLen: uint8(hlen)}
	plen := uint32(hlen)
	if queue.hostHdgst && pdu.HasHeaderDigest(t) {
		p.ch.Flags |= pdu.FlagHDGST
		plen += pdu.DigestLen
	}
	if dataLen > 0 {
		plen += pdu.Padding(queue.cpda, plen)
		p.ch.PDO = uint8(plen)
		plen += uint32(dataLen)
		if queue.hostDdgst && pdu.HasDataDigest(t) {
			p.ch.Flags |= pdu.FlagDDGST
			plen += pdu.DigestLen
		}
	}
	p.ch.PLen = plen
}

// setHeader encodes the type header after the common header filled by
// frame.
func (p *sendPDU) setHeader(h pdu.Header) error {
	b, err := pdu.Marshal(&p.ch, h)
	if err != nil {
		return err
	}
	if len(b) != int(p.ch.HLen) {
		return fmt.Errorf("%s header packed to %d bytes, expected %d", p.ch.Type, len(b), p.ch.HLen)
	}
	p.hdrLen = copy(p.hdr[:], b)
	return nil
}

func (p *sendPDU) setData(iovs [][]byte, n int) {
	p.data = iovs
	p.dataLen = n
}

// prepare appends the header digest, the padding and the data digest. A
// data digest already produced by an accel sequence is kept.
func (queue *Queue) prepare(p *sendPDU, offloaded bool) {
	hlen := p.hdrLen
	if p.ch.Flags&pdu.FlagHDGST != 0 {
		pdu.PutDigest(p.hdr[hlen:], pdu.HeaderDigest(p.hdr[:hlen]))
		hlen += pdu.DigestLen
	}
	if p.dataLen > 0 {
		for ; hlen < int(p.ch.PDO); hlen++ {
			p.hdr[hlen] = 0
		}
	}
	p.hdrLen = hlen

	p.iovs = append(p.iovs[:0], p.hdr[:hlen])
	p.iovs = append(p.iovs, p.data...)
	if p.dataLen > 0 && p.ch.Flags&pdu.FlagDDGST != 0 {
		if !offloaded {
			pdu.PutDigest(p.ddgst[:], pdu.DataDigest(p.data))
		}
		queue.stats.SendDdgsts++
		p.iovs = append(p.iovs, p.ddgst[:])
	}
}

// fillMKeys translates every iov when the socket runs over a protection
// domain. Header and digest live in transport memory.
func (queue *Queue) fillMKeys(p *sendPDU) error {
	if queue.memMap == nil {
		p.mkeys = p.mkeys[:0]
		return nil
	}
	p.mkeys = append(p.mkeys[:0], queue.pdusMKey)
	for _, iov := range p.iovs[1 : 1+len(p.data)] {
		var key uint32
		if p.treq != nil && p.treq.req != nil && p.treq.req.hasMemoryDomain() && !p.treq.staged {
			t, err := p.treq.req.Opts.MemoryDomain.TranslateData(queue.memDomain, iov)
			if err != nil {
				return fmt.Errorf("translate payload into %s: %w", queue.memDomain.Device(), err)
			}
			key = t.LKey
		} else {
			t, err := queue.memMap.Translate(iov)
			if err != nil {
				return err
			}
			key = t.LKey
		}
		p.mkeys = append(p.mkeys, key)
	}
	if len(p.iovs) > 1+len(p.data) {
		p.mkeys = append(p.mkeys, queue.pdusMKey)
	}
	return nil
}

// writePDU queues p on the socket. cb runs once the socket acknowledged the
// bytes.
func (queue *Queue) writePDU(p *sendPDU, cb func()) error {
	offloaded := p.treq != nil && p.treq.ord.digestOffloaded
	queue.prepare(p, offloaded)
	if err := queue.fillMKeys(p); err != nil {
		return err
	}
	p.cb = cb
	p.wr = sock.WriteRequest{
		Iovs:  p.iovs,
		MKeys: p.mkeys,
		Done:  func(err error) { queue.pduWriteDone(p, err) },
	}
	p.elem = queue.sendQueue.PushBack(p)
	queue.sock.WritevAsync(&p.wr)
	return nil
}

func (queue *Queue) pduWriteDone(p *sendPDU, err error) {
	if queue.group != nil && !queue.needsPoll &&
		(queue.queuedRequests.Len() > 0 || queue.tcpState == tcpFabricConnectPoll || queue.tcpState == tcpInitializing) {
		queue.group.addNeedsPoll(queue)
	}
	if p.elem == nil {
		// dropped from the send queue by a disconnect
		return
	}
	queue.sendQueue.Remove(p.elem)
	p.elem = nil
	if err != nil {
		queue.log.WithError(err).Errorf("failed to write %s pdu", p.ch.Type)
		_ = queue.fail()
		return
	}
	if p.cb != nil {
		p.cb()
	}
}

// recvPDU is the PDU being received. Headers are read into raw; the payload
// goes straight to the request buffers.
type recvPDU struct {
	raw      [pdu.MaxHeaderBufferLen]byte
	ch       pdu.CommonHeader
	hdr      pdu.Header
	pshValid int
	pshLen   int
	hasHdgst bool
	ddgstOn  bool
	// zcopy payloads are claimed as socket buffers appended to the request
	// from bufStart on.
	zcopy    bool
	bufStart int

	data     [][]byte
	dataLen  int
	rwOffset int
	ddgst    [pdu.DigestLen]byte
	treq     *tcpRequest
	// termData is the offending header echoed by a C2H termination request.
	termData []byte
}

func (p *recvPDU) reset() {
	*p = recvPDU{}
}

// recvPDUPool is a free list of receive PDUs shared by the queues of a poll
// group.
type recvPDUPool struct {
	free []*recvPDU
}

func newRecvPDUPool(n int) *recvPDUPool {
	p := &recvPDUPool{free: make([]*recvPDU, 0, n)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &recvPDU{})
	}
	return p
}

func (p *recvPDUPool) get() *recvPDU {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	rp := p.free[n-1]
	p.free = p.free[:n-1]
	return rp
}

func (p *recvPDUPool) put(rp *recvPDU) {
	rp.reset()
	p.free = append(p.free, rp)
}
