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
	"encoding/binary"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/pdu"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
)

// maxZcopyIovs bounds the socket buffers handed to a zero copy reader.
// Larger payloads are copied into one private buffer.
const maxZcopyIovs = 64

func (treq *tcpRequest) zcopyData() [][]byte {
	if treq.zcopyCopy != nil {
		return [][]byte{treq.zcopyCopy[:treq.expectedDatao]}
	}
	return sock.BufsIovs(treq.sockBufs)
}

func (queue *Queue) countDataPDU(iovs int) {
	queue.stats.ReceivedDataPDUs++
	queue.stats.ReceivedDataIovs += uint64(iovs)
	if uint64(iovs) > queue.stats.MaxDataIovsPerPDU {
		queue.stats.MaxDataIovsPerPDU = uint64(iovs)
	}
}

// zcopyPDUReceived applies the buffer ceiling once a zero copy data PDU was
// read in full.
func (queue *Queue) zcopyPDUReceived(treq *tcpRequest, p *recvPDU) {
	queue.countDataPDU(len(treq.sockBufs) - p.bufStart)
	if treq.zcopyCopy == nil && len(treq.sockBufs) <= maxZcopyIovs {
		return
	}
	if treq.zcopyCopy == nil {
		queue.log.Debugf("cid %d payload spans %d buffers, copying", treq.cid, len(treq.sockBufs))
		treq.zcopyCopy = make([]byte, treq.payloadSize)
	}
	off := int(treq.expectedDatao) - sock.BufsLen(treq.sockBufs)
	nvme.CopyBuffers([][]byte{treq.zcopyCopy[off:]}, sock.BufsIovs(treq.sockBufs))
	treq.freeSockBufs()
}

func (queue *Queue) hasAccel() bool {
	return queue.group != nil && queue.group.accel != nil && queue.group.iobufs != nil
}

func (queue *Queue) pollIfQueued() {
	if queue.group != nil && !queue.needsPoll && queue.queuedRequests.Len() > 0 {
		queue.group.addNeedsPoll(queue)
	}
}

// accelAborted reports whether a finished accel sequence belongs to a queue
// that is going away.
func (queue *Queue) accelAborted() bool {
	return !queue.isConnected() || queue.recvState == recvQuiescing || queue.recvState == recvError
}

// needsAccelInCapsule reports writes that are staged through the accel
// engine before the command capsule is sent.
func (queue *Queue) needsAccelInCapsule(treq *tcpRequest) bool {
	req := treq.req
	if req.Opts == nil || req.Cmd.DataTransfer() != nvme.DataTransferHostToController {
		return false
	}
	return req.Opts.AccelSequence != nil ||
		(queue.hostDdgst && req.Opts.MemoryDomain != nil && treq.inCapsuleData)
}

// getIOBuf takes a staging buffer for the whole payload and runs apply with
// it, possibly later from the pool once a buffer is returned.
func (queue *Queue) getIOBuf(treq *tcpRequest, apply func(*tcpRequest) error) error {
	buf, w, err := queue.group.iobufs.Get(int(treq.payloadSize), func(buf []byte) {
		treq.iobufWaiter = nil
		treq.iobuf = buf
		if err := apply(treq); err != nil {
			queue.log.WithError(err).Errorf("failed to apply accel sequence for cid %d", treq.cid)
			queue.failRequest(treq, nvme.SCInternalDeviceError, true)
		}
	})
	if err != nil {
		return err
	}
	if w != nil {
		queue.log.Warnf("no staging buffer for cid %d, waiting", treq.cid)
		treq.iobufWaiter = w
		return nil
	}
	treq.iobuf = buf
	return apply(treq)
}

// sendSequence returns the sequence that fills the staging buffer. A caller
// sequence made of a single encryption writes there directly.
func (treq *tcpRequest) sendSequence() (*accel.Sequence, bool) {
	seq := treq.req.accelSequence()
	if seq == nil {
		return accel.NewSequence(), false
	}
	if task := seq.First(); seq.Len() == 1 && task.Op == accel.OpEncrypt {
		task.Dst = [][]byte{treq.iobuf}
		return seq, true
	}
	return seq, false
}

// stageSequence builds and starts the sequence filling the staging buffer.
// The data digest is produced on the way when offload is set.
func (queue *Queue) stageSequence(treq *tcpRequest, offload bool, done func(err error)) {
	seq, skipCopy := treq.sendSequence()
	staging := [][]byte{treq.iobuf}
	if offload {
		if !skipCopy {
			seq.AppendCopyCRC32C(staging, treq.iovs, &treq.crc)
			skipCopy = true
		} else {
			seq.AppendCRC32C(staging, &treq.crc)
		}
		treq.ord.digestOffloaded = true
	}
	if !skipCopy {
		seq.AppendCopy(staging, treq.iovs)
	}
	treq.accelSeqUsed = true
	treq.ord.inProgressAccel = true
	queue.group.accel.Finish(seq, done)
}

// useStaged points the payload at the filled staging buffer.
func (queue *Queue) useStaged(treq *tcpRequest) {
	treq.iovs = [][]byte{treq.iobuf}
	treq.staged = true
	if treq.ord.digestOffloaded {
		pdu.PutDigest(treq.pdu.ddgst[:], pdu.DataDigestPad(treq.crc, int(treq.payloadSize)))
	}
}

func (queue *Queue) submitAccelInCapsule(treq *tcpRequest) error {
	if !queue.hasAccel() {
		return ErrNotSupported
	}
	return queue.getIOBuf(treq, queue.applyInCapsule)
}

func (queue *Queue) applyInCapsule(treq *tcpRequest) error {
	queue.log.Debugf("staging write cid %d through accel", treq.cid)
	// the digest covers a single PDU only when the data travels in the capsule
	offload := queue.hostDdgst && treq.inCapsuleData
	queue.stageSequence(treq, offload, func(err error) { queue.accelInCapsuleDone(treq, err) })
	return nil
}

func (queue *Queue) accelInCapsuleDone(treq *tcpRequest, err error) {
	treq.ord.inProgressAccel = false
	if err != nil {
		queue.log.WithError(err).Errorf("accel sequence failed for cid %d", treq.cid)
		queue.failRequest(treq, nvme.SCInternalDeviceError, false)
		return
	}
	if queue.accelAborted() {
		queue.failRequest(treq, nvme.SCAbortedSQDeletion, false)
		return
	}
	queue.useStaged(treq)
	if err := queue.capsuleCmdSend(treq); err != nil {
		queue.log.WithError(err).Errorf("failed to send capsule for cid %d", treq.cid)
		queue.failRequest(treq, nvme.SCInternalDeviceError, false)
	}
}

// stageH2C stages a memory domain payload sent in one H2C data PDU so the
// engine produces its digest.
func (queue *Queue) stageH2C(treq *tcpRequest) error {
	if !queue.hasAccel() {
		return ErrNotSupported
	}
	return queue.getIOBuf(treq, queue.applyH2C)
}

func (queue *Queue) applyH2C(treq *tcpRequest) error {
	queue.log.Debugf("staging h2c data cid %d through accel", treq.cid)
	queue.stageSequence(treq, true, func(err error) { queue.accelH2CDone(treq, err) })
	return nil
}

func (queue *Queue) accelH2CDone(treq *tcpRequest, err error) {
	treq.ord.inProgressAccel = false
	if err != nil {
		queue.log.WithError(err).Errorf("accel sequence failed for cid %d", treq.cid)
		queue.failRequest(treq, nvme.SCInternalDeviceError, false)
		return
	}
	if queue.accelAborted() {
		queue.failRequest(treq, nvme.SCAbortedSQDeletion, false)
		return
	}
	queue.useStaged(treq)
	if err := queue.writeH2CData(treq); err != nil {
		queue.log.WithError(err).Errorf("failed to send h2c data for cid %d", treq.cid)
		queue.failRequest(treq, nvme.SCInternalDeviceError, false)
	}
}

// recvSequence returns the sequence that moves received buffers to the
// caller. A caller sequence made of a single decryption reads them directly.
func (treq *tcpRequest) recvSequence(bufs [][]byte) *accel.Sequence {
	seq := treq.req.accelSequence()
	if seq != nil {
		if task := seq.First(); seq.Len() == 1 && task.Op == accel.OpDecrypt {
			task.Src = bufs
			return seq
		}
	} else {
		seq = accel.NewSequence()
	}
	return seq.AppendCopy(treq.iovs, bufs)
}

// offloadRecvDigest hands the data digest check of a C2H PDU carrying the
// whole payload to the accel engine. It returns false when the digest has to
// be checked inline.
func (queue *Queue) offloadRecvDigest(p *recvPDU, reaped *int) bool {
	treq := p.treq
	if queue.state < QueueConnected || queue.group == nil ||
		p.dataLen%pdu.DigestLen != 0 || int(treq.payloadSize) != p.dataLen || treq.req.Zcopy {
		return false
	}
	memoryDomain := treq.req.hasMemoryDomain()
	if !memoryDomain && queue.group.accel == nil {
		return false
	}

	copy(treq.recvDigest[:], p.ddgst[:])
	treq.c2hFlags = p.ch.Flags
	treq.c2hDataLen = uint32(p.dataLen)
	data := p.data
	queue.setRecvState(recvAwaitPDUReady)

	if memoryDomain {
		queue.stats.RecvDdgsts++
		treq.ord.digestOffloaded = true
		if err := queue.applyAccelC2H(treq); err != nil {
			queue.log.WithError(err).Errorf("failed to check data digest for cid %d", treq.cid)
			treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
			queue.c2hDataPayloadHandle(treq, treq.c2hFlags, int(treq.c2hDataLen), reaped)
		}
		return true
	}

	seq := accel.NewSequence().AppendCRC32C(data, &treq.crc)
	treq.ord.inProgressAccel = true
	queue.group.accel.Finish(seq, func(err error) { queue.recvCRCDone(treq, err) })
	return true
}

func (queue *Queue) recvCRCDone(treq *tcpRequest, err error) {
	treq.ord.inProgressAccel = false
	if queue.group != nil && !queue.needsPoll {
		queue.group.addNeedsPoll(queue)
	}
	if err != nil {
		queue.log.WithError(err).Errorf("failed to compute data digest for cid %d", treq.cid)
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
	} else {
		queue.stats.RecvDdgsts++
		crc := pdu.DataDigestPad(treq.crc, int(treq.c2hDataLen))
		if !pdu.DigestMatches(treq.recvDigest[:], crc) {
			queue.log.Errorf("data digest error for cid %d", treq.cid)
			treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
		}
	}
	queue.accelC2HFinish(treq)
}

// applyAccelC2H moves a memory domain read to the caller and checks its
// digest in one reversed sequence.
func (queue *Queue) applyAccelC2H(treq *tcpRequest) error {
	if queue.group.accel == nil {
		return ErrNotSupported
	}
	bufs := sock.BufsIovs(treq.sockBufs)
	queue.countDataPDU(len(bufs))
	seq := treq.recvSequence(bufs)
	seq.AppendCheckCRC32C(bufs, binary.LittleEndian.Uint32(treq.recvDigest[:]))
	seq.Reverse()
	treq.accelSeqUsed = true
	treq.ord.inProgressAccel = true
	queue.group.accel.Finish(seq, func(err error) { queue.accelC2HDone(treq, err) })
	return nil
}

func (queue *Queue) accelC2HDone(treq *tcpRequest, err error) {
	treq.ord.inProgressAccel = false
	queue.pollIfQueued()
	if err != nil {
		queue.log.WithError(err).Errorf("accel sequence failed for cid %d", treq.cid)
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCTransientTransportError, false)
	}
	queue.accelC2HFinish(treq)
}

func (queue *Queue) accelC2HFinish(treq *tcpRequest) {
	if queue.accelAborted() {
		queue.failRequest(treq, nvme.SCAbortedSQDeletion, false)
		return
	}
	var reaped int
	queue.c2hDataPayloadHandle(treq, treq.c2hFlags, int(treq.c2hDataLen), &reaped)
}

// completeMemoryDomain moves the received buffers of a memory domain read to
// the caller before the command completes.
func (queue *Queue) completeMemoryDomain(treq *tcpRequest) error {
	if queue.group == nil || queue.group.accel == nil {
		return ErrNotSupported
	}
	bufs := sock.BufsIovs(treq.sockBufs)
	queue.countDataPDU(len(bufs))
	seq := treq.recvSequence(bufs)
	seq.Reverse()
	treq.accelSeqUsed = true
	treq.ord.inProgressAccel = true
	queue.group.accel.Finish(seq, func(err error) { queue.accelReadDone(treq, err) })
	return nil
}

func (queue *Queue) accelReadDone(treq *tcpRequest, err error) {
	treq.ord.inProgressAccel = false
	treq.freeSockBufs()
	if err != nil {
		queue.log.WithError(err).Errorf("accel sequence failed for cid %d", treq.cid)
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError, false)
	} else if queue.accelAborted() {
		treq.rsp.SetStatus(nvme.SCTGeneric, nvme.SCAbortedSQDeletion, false)
	}
	queue.finish(treq, &treq.rsp)
}
